package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/dere-ai/dere/internal/config"
	"github.com/dere-ai/dere/internal/storage"
	"github.com/dere-ai/dere/pkg/models"
)

// fakeRunner replays scripted event batches, one batch per query.
type fakeRunner struct {
	batches [][]models.AgentEvent
	delay   time.Duration
	calls   int
	closed  bool
	token   string
}

func (f *fakeRunner) Start(context.Context) error { return nil }
func (f *fakeRunner) ClaudeSessionID() string     { return f.token }
func (f *fakeRunner) Close() error                { f.closed = true; return nil }

func (f *fakeRunner) Query(ctx context.Context, _ string) (<-chan models.AgentEvent, error) {
	var batch []models.AgentEvent
	if f.calls < len(f.batches) {
		batch = f.batches[f.calls]
	}
	f.calls++
	out := make(chan models.AgentEvent, len(batch))
	go func() {
		defer close(out)
		for _, ev := range batch {
			if f.delay > 0 {
				time.Sleep(f.delay)
			}
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
	}()
	return out, nil
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		PermissionTimeoutSeconds: 1,
		IdleCleanupSeconds:       60,
		SandboxIdleSeconds:       1800,
		SandboxReadySeconds:      1,
		EventBufferSize:          500,
	}
}

func newTestService(t *testing.T, runner Runner) (*Service, *storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	svc := NewService(store, testAgentConfig(), config.LLMConfig{Model: "m", MaxTokens: 1024}, anthropic.Client{}, nil)
	svc.runnerFactory = func(*Session, *models.Session) Runner { return runner }
	return svc, store
}

func openTestSession(t *testing.T, svc *Service) *Session {
	t.Helper()
	sess, _, err := svc.OpenSession(context.Background(), SessionConfig{
		WorkingDir: "/w",
		Medium:     models.MediumAgentAPI,
		UserID:     "u1",
	})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	return sess
}

func collect(t *testing.T, ch <-chan models.AgentEvent) []models.AgentEvent {
	t.Helper()
	var out []models.AgentEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestQueryStreamsMonotonicSequences(t *testing.T) {
	runner := &fakeRunner{batches: [][]models.AgentEvent{{
		textEvent("Hello "),
		textEvent("world."),
		{Type: models.EventDone},
	}}}
	svc, store := newTestService(t, runner)
	sess := openTestSession(t, svc)

	ch, err := svc.Query(context.Background(), sess.ID, "hi")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	events := collect(t, ch)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	var last uint64
	for _, ev := range events {
		if ev.Sequence <= last {
			t.Fatalf("sequence %d not strictly increasing after %d", ev.Sequence, last)
		}
		last = ev.Sequence
	}

	final := events[len(events)-1]
	if final.Type != models.EventDone || final.Done == nil {
		t.Fatalf("final event = %+v, want done", final)
	}
	if final.Done.ResponseText != "Hello world." {
		t.Fatalf("response text = %q", final.Done.ResponseText)
	}
	if final.Done.Timings == nil || final.Done.Timings.ResponseMs < 0 {
		t.Fatalf("timings missing: %+v", final.Done)
	}

	// Both turns persisted, assistant turn carrying the coalesced block.
	history, err := store.Sessions.History(context.Background(), sess.ID, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("persisted %d turns, want 2", len(history))
	}
	assistant := history[1]
	if assistant.MessageType != models.MessageAssistant || assistant.Prompt != "Hello world." {
		t.Fatalf("assistant turn = %+v", assistant)
	}
}

func TestAttachAfterQuery(t *testing.T) {
	runner := &fakeRunner{batches: [][]models.AgentEvent{{
		textEvent("a"),
		textEvent("b"),
		{Type: models.EventDone},
	}}}
	svc, _ := newTestService(t, runner)
	sess := openTestSession(t, svc)

	ch, err := svc.Query(context.Background(), sess.ID, "hi")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	events := collect(t, ch)
	mid := events[0].Sequence

	replayed, live, err := svc.Attach(sess.ID, mid)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if live != nil {
		t.Fatal("live channel after the query already finished")
	}
	if len(replayed) != len(events)-1 {
		t.Fatalf("replayed %d events, want %d", len(replayed), len(events)-1)
	}
	for _, ev := range replayed {
		if ev.Sequence <= mid {
			t.Fatalf("replayed stale sequence %d", ev.Sequence)
		}
	}
}

func TestAttachMidQueryReplaysThenStreams(t *testing.T) {
	var batch []models.AgentEvent
	for i := 0; i < 30; i++ {
		batch = append(batch, textEvent("x"))
	}
	batch = append(batch, models.AgentEvent{Type: models.EventDone})
	runner := &fakeRunner{batches: [][]models.AgentEvent{batch}, delay: 5 * time.Millisecond}
	svc, _ := newTestService(t, runner)
	sess := openTestSession(t, svc)

	first, err := svc.Query(context.Background(), sess.ID, "hi")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	// The original client reads a few events and then drops off.
	var lastSeq uint64
	for i := 0; i < 5; i++ {
		ev := <-first
		lastSeq = ev.Sequence
	}

	replayed, live, err := svc.Attach(sess.ID, lastSeq)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if live == nil {
		t.Fatal("no live channel while the query is in flight")
	}

	resumed := append([]models.AgentEvent{}, replayed...)
	resumed = append(resumed, collect(t, live)...)
	if len(resumed) == 0 {
		t.Fatal("nothing streamed after reconnect")
	}
	want := lastSeq
	for _, ev := range resumed {
		want++
		if ev.Sequence != want {
			t.Fatalf("sequence %d out of order, want %d", ev.Sequence, want)
		}
	}
	final := resumed[len(resumed)-1]
	if final.Type != models.EventDone {
		t.Fatalf("final resumed event %s, want done", final.Type)
	}
}

func TestQueryOnLockedSession(t *testing.T) {
	runner := &fakeRunner{}
	svc, store := newTestService(t, runner)
	sess := openTestSession(t, svc)

	if err := store.Sessions.Lock(context.Background(), sess.ID); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := svc.Query(context.Background(), sess.ID, "hi"); !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("query on locked session: %v, want ErrSessionLocked", err)
	}
}

func TestQueryUnknownSession(t *testing.T) {
	svc, _ := newTestService(t, &fakeRunner{})
	if _, err := svc.Query(context.Background(), "nope", "hi"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("query unknown session: %v, want ErrSessionNotFound", err)
	}
}

func TestCancelQuery(t *testing.T) {
	var batch []models.AgentEvent
	for i := 0; i < 50; i++ {
		batch = append(batch, textEvent("x"))
	}
	batch = append(batch, models.AgentEvent{Type: models.EventDone})
	runner := &fakeRunner{batches: [][]models.AgentEvent{batch}, delay: 10 * time.Millisecond}
	svc, _ := newTestService(t, runner)
	sess := openTestSession(t, svc)

	ch, err := svc.Query(context.Background(), sess.ID, "hi")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	<-ch // first event is flowing
	if err := svc.CancelQuery(sess.ID); err != nil {
		t.Fatalf("CancelQuery: %v", err)
	}

	events := collect(t, ch)
	final := events[len(events)-1]
	if final.Type != models.EventCancelled {
		t.Fatalf("final event %s, want cancelled", final.Type)
	}
}

func TestConcurrentQueryRejected(t *testing.T) {
	batch := []models.AgentEvent{textEvent("slow"), {Type: models.EventDone}}
	runner := &fakeRunner{batches: [][]models.AgentEvent{batch, batch}, delay: 100 * time.Millisecond}
	svc, _ := newTestService(t, runner)
	sess := openTestSession(t, svc)

	ch, err := svc.Query(context.Background(), sess.ID, "first")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if _, err := svc.Query(context.Background(), sess.ID, "second"); !errors.Is(err, ErrQueryInFlight) {
		t.Fatalf("concurrent query: %v, want ErrQueryInFlight", err)
	}
	collect(t, ch)
}

func TestCloseSessionEndsRow(t *testing.T) {
	runner := &fakeRunner{}
	svc, store := newTestService(t, runner)
	sess := openTestSession(t, svc)

	if err := svc.CloseSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if !runner.closed {
		t.Fatal("runner not closed")
	}
	row, err := store.Sessions.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !row.Ended() {
		t.Fatal("session row not ended")
	}
	if _, err := svc.Get(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("closed session still live: %v", err)
	}
}

func TestRecoverableErrorKeepsStreaming(t *testing.T) {
	runner := &fakeRunner{batches: [][]models.AgentEvent{{
		textEvent("partial"),
		{Type: models.EventError, Error: &models.ErrorPayload{Message: "blip", Recoverable: true}},
		textEvent(" recovered"),
		{Type: models.EventDone},
	}}}
	svc, _ := newTestService(t, runner)
	sess := openTestSession(t, svc)

	ch, err := svc.Query(context.Background(), sess.ID, "hi")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	events := collect(t, ch)
	final := events[len(events)-1]
	if final.Type != models.EventDone {
		t.Fatalf("final event %s, want done", final.Type)
	}
	if final.Done.ResponseText != "partial recovered" {
		t.Fatalf("response text = %q", final.Done.ResponseText)
	}
}
