package collab

import (
	"context"
	"fmt"
	"time"
)

// Activity is one observation of what the user is doing right now.
type Activity struct {
	App             string `json:"app"`
	Title           string `json:"title"`
	Category        string `json:"category,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
	AFK             bool   `json:"afk"`
}

// Empty reports whether the observation carries no usable signal.
func (a *Activity) Empty() bool {
	return a == nil || (a.App == "" && a.Title == "")
}

// ActivityClient calls the activity-tracking collaborator.
type ActivityClient struct {
	*client
}

func NewActivityClient(baseURL string) *ActivityClient {
	return &ActivityClient{client: newClient(baseURL, 10*time.Second)}
}

// Current returns the user's present activity over the lookback window, or
// nil when the collaborator has nothing.
func (c *ActivityClient) Current(ctx context.Context, userID string, lookbackMinutes int) (*Activity, error) {
	var out struct {
		Found    bool     `json:"found"`
		Activity Activity `json:"activity"`
	}
	path := fmt.Sprintf("/activity/current?user_id=%s&lookback_minutes=%d", userID, lookbackMinutes)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	if !out.Found {
		return nil, nil
	}
	return &out.Activity, nil
}
