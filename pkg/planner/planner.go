// Package planner defines the planner collaborator contract and the
// in-process stub used by the in-memory profile and tests.
package planner

import (
	"context"

	"github.com/aetherhq/aether/pkg/models"
)

// Usage is the token observation from the most recent planner call. When
// the upstream reports no counts, EstimatedTotalTokens approximates
// (prompt_chars + response_chars) / 4.
type Usage struct {
	PromptTokens         int `json:"prompt_tokens,omitempty"`
	CandidatesTokens     int `json:"candidates_tokens,omitempty"`
	TotalTokens          int `json:"total_token_count,omitempty"`
	CachedTokens         int `json:"cached_tokens,omitempty"`
	PromptChars          int `json:"prompt_chars"`
	ResponseChars        int `json:"response_chars"`
	EstimatedTotalTokens int `json:"estimated_total_tokens,omitempty"`
}

// Tokens returns the best available total token count for quota accounting.
func (u Usage) Tokens() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.EstimatedTotalTokens
}

// Planner is the language-model collaborator. SelectNodes picks up to 8
// context tree nodes relevant to the message; BuildPlan turns a hydrated
// context pack into a structured plan.
type Planner interface {
	SelectNodes(ctx context.Context, userMessage string, trees []models.ContextTree, policies []models.Policy) ([]string, error)
	BuildPlan(ctx context.Context, pack *models.ContextPack) (*models.Plan, error)
	LastUsage() Usage
	Model() string
}
