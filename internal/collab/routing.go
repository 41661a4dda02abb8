package collab

import (
	"context"
	"time"

	"github.com/dere-ai/dere/pkg/models"
)

// RoutingRequest asks the routing collaborator where to deliver a message.
type RoutingRequest struct {
	UserID       string `json:"user_id"`
	Message      string `json:"message"`
	Priority     string `json:"priority"`
	UserActivity string `json:"user_activity,omitempty"`
	// OnlineMediums constrains the decision to presently reachable
	// destinations.
	OnlineMediums []models.Medium `json:"online_mediums,omitempty"`
}

// RoutingDecision is the collaborator's answer.
type RoutingDecision struct {
	Medium    models.Medium `json:"medium"`
	Location  string        `json:"location"`
	Reasoning string        `json:"reasoning"`
}

// RoutingClient calls the routing collaborator service.
type RoutingClient struct {
	*client
}

// NewRoutingClient returns a client for the given base URL, which may be
// http:// or http+unix://.
func NewRoutingClient(baseURL string) *RoutingClient {
	return &RoutingClient{client: newClient(baseURL, 15*time.Second)}
}

// Decide asks for a delivery destination.
func (c *RoutingClient) Decide(ctx context.Context, req RoutingRequest) (*RoutingDecision, error) {
	var out RoutingDecision
	if err := c.postJSON(ctx, "/routing/decide", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
