package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dere-ai/dere/internal/metrics"
)

// ErrUnknownPermission is returned when a resolution references a request
// that does not exist or was already resolved.
var ErrUnknownPermission = errors.New("unknown permission request")

// Decision is the client's answer to a permission request.
type Decision struct {
	Allowed     bool
	DenyMessage string
}

type pendingPermission struct {
	sessionID string
	decision  chan Decision
}

// permissionBroker mints permission requests and blocks tool execution until
// the client resolves them or the timeout denies them.
type permissionBroker struct {
	mu      sync.Mutex
	pending map[string]*pendingPermission
	timeout time.Duration
}

func newPermissionBroker(timeout time.Duration) *permissionBroker {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &permissionBroker{
		pending: map[string]*pendingPermission{},
		timeout: timeout,
	}
}

// Create registers a pending request and returns its id. The caller emits
// the permission_request event and then calls Wait.
func (b *permissionBroker) Create(sessionID string) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.pending[id] = &pendingPermission{
		sessionID: sessionID,
		decision:  make(chan Decision, 1),
	}
	b.mu.Unlock()
	return id
}

// Wait blocks until the request is resolved, the timeout elapses, or ctx is
// cancelled. Timeout and cancellation both deny.
func (b *permissionBroker) Wait(ctx context.Context, requestID string) Decision {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return Decision{Allowed: false, DenyMessage: "permission request expired"}
	}
	defer b.remove(requestID)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case d := <-p.decision:
		outcome := "denied"
		if d.Allowed {
			outcome = "allowed"
		}
		metrics.PermissionOutcomes.WithLabelValues(outcome).Inc()
		return d
	case <-timer.C:
		metrics.PermissionOutcomes.WithLabelValues("timeout").Inc()
		return Decision{Allowed: false, DenyMessage: "permission request timed out"}
	case <-ctx.Done():
		metrics.PermissionOutcomes.WithLabelValues("cancelled").Inc()
		return Decision{Allowed: false, DenyMessage: "query cancelled"}
	}
}

// Resolve delivers the client's decision. The second resolution of the same
// request returns ErrUnknownPermission.
func (b *permissionBroker) Resolve(requestID string, d Decision) error {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownPermission
	}
	p.decision <- d
	return nil
}

// DropSession denies everything pending for a closing session.
func (b *permissionBroker) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range b.pending {
		if p.sessionID == sessionID {
			select {
			case p.decision <- Decision{Allowed: false, DenyMessage: "session closed"}:
			default:
			}
			delete(b.pending, id)
		}
	}
}

func (b *permissionBroker) remove(requestID string) {
	b.mu.Lock()
	delete(b.pending, requestID)
	b.mu.Unlock()
}
