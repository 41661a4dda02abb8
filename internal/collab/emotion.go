package collab

import (
	"context"
	"net/url"
	"time"
)

// EmotionState is the collaborator's current read of the user's affect.
type EmotionState struct {
	Emotion   string  `json:"emotion"`
	Intensity float64 `json:"intensity"` // 0-100
	Valence   string  `json:"valence"`   // positive, negative, neutral
}

// EmotionClient calls the emotion-tracking collaborator.
type EmotionClient struct {
	*client
}

func NewEmotionClient(baseURL string) *EmotionClient {
	return &EmotionClient{client: newClient(baseURL, 10*time.Second)}
}

// Summary returns a prose summary of the session's emotional arc.
func (c *EmotionClient) Summary(ctx context.Context, sessionID string) (string, error) {
	var out struct {
		Summary string `json:"summary"`
	}
	if err := c.getJSON(ctx, "/emotion/summary/"+url.PathEscape(sessionID), &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

// State returns the current emotion reading.
func (c *EmotionClient) State(ctx context.Context) (*EmotionState, error) {
	var out EmotionState
	if err := c.getJSON(ctx, "/emotion/state", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
