package jubensdk

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/GongLingRui/juben-go/retry"
)

// AgentCategory groups agents in the catalog.
type AgentCategory string

const (
	AgentCategoryPlanning   AgentCategory = "planning"
	AgentCategoryEvaluation AgentCategory = "evaluation"
	AgentCategoryAnalysis   AgentCategory = "analysis"
	AgentCategoryKnowledge  AgentCategory = "knowledge"
	AgentCategoryTooling    AgentCategory = "tooling"
)

// Agent is a catalog entry for an LLM-backed agent. The catalog is
// static data served by the backend; the SDK attaches no behavior to
// it.
type Agent struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Category    AgentCategory `json:"category"`
}

// ListAgents returns the agent catalog. The call is idempotent and is
// retried on transient failures.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	res := retry.Do(ctx, retry.Options{Logger: c.Logger}, func(ctx context.Context) ([]Agent, error) {
		res, err := c.Request(ctx, http.MethodGet, "/api/juben/agents", nil)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return nil, ReadBodyAsError(res)
		}
		var agents []Agent
		return agents, json.NewDecoder(res.Body).Decode(&agents)
	})
	return res.Value, res.Err
}
