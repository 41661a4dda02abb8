package ambient

import (
	"math"
	"testing"

	"github.com/dere-ai/dere/internal/collab"
	"github.com/dere-ai/dere/internal/config"
)

func TestActivitySignal(t *testing.T) {
	cases := []struct {
		name   string
		act    *collab.Activity
		streak int
		want   float64
	}{
		{"deep work sustained", &collab.Activity{App: "GoLand"}, 31 * 60, -0.8},
		{"deep work brief", &collab.Activity{App: "GoLand"}, 10 * 60, 0},
		{"meeting", &collab.Activity{App: "zoom.us"}, 60, -0.6},
		{"mail", &collab.Activity{App: "Mail"}, 60, 0.3},
		{"terminal long", &collab.Activity{App: "iTerm2"}, 21 * 60, -0.3},
		{"terminal short", &collab.Activity{App: "iTerm2"}, 60, 0},
		{"browser", &collab.Activity{App: "Firefox"}, 60, 0.1},
		{"afk", &collab.Activity{App: "GoLand", AFK: true}, 40 * 60, 0},
		{"nothing", nil, 0, 0},
	}
	for _, tc := range cases {
		if got := ActivitySignal(tc.act, tc.streak); got != tc.want {
			t.Errorf("%s: got %f, want %f", tc.name, got, tc.want)
		}
	}
}

func TestEmotionSignal(t *testing.T) {
	cases := []struct {
		state *collab.EmotionState
		want  float64
	}{
		{&collab.EmotionState{Emotion: "distress", Intensity: 70}, -0.7},
		{&collab.EmotionState{Emotion: "anger", Intensity: 40}, -0.3},
		{&collab.EmotionState{Emotion: "interest", Intensity: 60}, 0.6},
		{&collab.EmotionState{Emotion: "joy", Intensity: 30}, 0.3},
		{&collab.EmotionState{Emotion: "neutral", Intensity: 90}, 0},
		{nil, 0},
	}
	for _, tc := range cases {
		if got := EmotionSignal(tc.state); got != tc.want {
			t.Errorf("%+v: got %f, want %f", tc.state, got, tc.want)
		}
	}
}

func TestResponsivenessSignal(t *testing.T) {
	if got := ResponsivenessSignal(0.8, true); got != 0.5 {
		t.Errorf("high ack rate: got %f", got)
	}
	if got := ResponsivenessSignal(0.1, true); got != -0.5 {
		t.Errorf("low ack rate: got %f", got)
	}
	if got := ResponsivenessSignal(0.5, true); got != 0 {
		t.Errorf("middling ack rate: got %f", got)
	}
	if got := ResponsivenessSignal(0, false); got != 0 {
		t.Errorf("unsampled: got %f", got)
	}
}

func TestTemporalSignal(t *testing.T) {
	cases := map[int]float64{
		2: -0.8, 23: -0.8, 6: -0.8,
		10: 0.3, 16: 0.3,
		18: 0.2, 21: 0.2,
		8: 0, 22: 0,
	}
	for hour, want := range cases {
		if got := TemporalSignal(hour); got != want {
			t.Errorf("hour %d: got %f, want %f", hour, got, want)
		}
	}
}

func TestTaskSignal(t *testing.T) {
	if got := TaskSignal(6, 0); got != 0.9 {
		t.Errorf("heavy overdue: got %f", got)
	}
	if got := TaskSignal(3, 0); got != 0.6 {
		t.Errorf("some overdue: got %f", got)
	}
	if got := TaskSignal(0, 4); got != 0.4 {
		t.Errorf("due soon: got %f", got)
	}
	if got := TaskSignal(1, 1); got != 0 {
		t.Errorf("light load: got %f", got)
	}
}

func TestBondSignalClamped(t *testing.T) {
	if got := BondSignal(95, 5, 10, true); got > 1 {
		t.Errorf("bond signal %f exceeds +1", got)
	}
	if got := BondSignal(5, -5, 0, true); got < -1 {
		t.Errorf("bond signal %f below -1", got)
	}
	if got := BondSignal(90, 0, 0, false); got != 0 {
		t.Errorf("absent collaborator: got %f", got)
	}
}

func TestFuseWeights(t *testing.T) {
	cfg := config.Default().Ambient
	all := Signals{Activity: 1, Emotion: 1, Responsiveness: 1, Temporal: 1, Task: 1, Bond: 1}
	got := Fuse(all, cfg)
	want := cfg.FSMWeightActivity + cfg.FSMWeightEmotion + cfg.FSMWeightResponsiveness +
		cfg.FSMWeightTemporal + cfg.FSMWeightTask + cfg.FSMWeightBond
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("fused = %f, want %f", got, want)
	}
	if want > 1.0+1e-9 {
		t.Fatalf("default weights sum to %f, must be <= 1", want)
	}
}
