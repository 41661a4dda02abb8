package collab

import (
	"context"
	"time"
)

// KnowledgeClient pushes promoted exploration findings into the knowledge
// graph collaborator.
type KnowledgeClient struct {
	*client
}

func NewKnowledgeClient(baseURL string) *KnowledgeClient {
	return &KnowledgeClient{client: newClient(baseURL, 15*time.Second)}
}

// PromoteFact stores a finding as a fact and returns its id.
func (c *KnowledgeClient) PromoteFact(ctx context.Context, userID, fact string, confidence float64) (string, error) {
	payload := struct {
		UserID     string  `json:"user_id"`
		Fact       string  `json:"fact"`
		Confidence float64 `json:"confidence"`
	}{userID, fact, confidence}
	var out struct {
		FactID string `json:"fact_id"`
	}
	if err := c.postJSON(ctx, "/knowledge/facts", payload, &out); err != nil {
		return "", err
	}
	return out.FactID, nil
}
