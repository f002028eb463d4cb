package jubensdk

import (
	"context"
	"encoding/json"
	"net/http"
)

// KnowledgeQuery is a semantic search request against the knowledge
// base backing the knowledge-search agent.
type KnowledgeQuery struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// KnowledgeHit is a single search result.
type KnowledgeHit struct {
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score"`
}

// SearchKnowledge runs a semantic search and returns ranked hits.
func (c *Client) SearchKnowledge(ctx context.Context, query KnowledgeQuery) ([]KnowledgeHit, error) {
	res, err := c.Request(ctx, http.MethodPost, "/api/juben/knowledge/search", query)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, ReadBodyAsError(res)
	}
	var hits []KnowledgeHit
	return hits, json.NewDecoder(res.Body).Decode(&hits)
}
