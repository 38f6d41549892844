package planner

import (
	"context"
	"fmt"
	"sync"

	"github.com/aetherhq/aether/pkg/models"
)

// Stub is a deterministic planner reproducing the support-refund scenario:
// three selected nodes and a six step plan over the crm/memory/ticket/
// draft/email tools. tenant_demo plans require approval.
type Stub struct {
	mu        sync.Mutex
	lastUsage Usage
}

// NewStub builds the stub planner.
func NewStub() *Stub {
	return &Stub{}
}

// Model identifies the stub for quota accounting.
func (s *Stub) Model() string { return "stub" }

// LastUsage returns the usage observation of the most recent call.
func (s *Stub) LastUsage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsage
}

func (s *Stub) record(promptChars, responseChars int) {
	s.mu.Lock()
	s.lastUsage = Usage{
		PromptChars:          promptChars,
		ResponseChars:        responseChars,
		EstimatedTotalTokens: (promptChars + responseChars) / 4,
	}
	s.mu.Unlock()
}

// SelectNodes returns the fixed refund-scenario node list.
func (s *Stub) SelectNodes(_ context.Context, userMessage string, trees []models.ContextTree, _ []models.Policy) ([]string, error) {
	nodes := []string{"SUPPORT/KB/Refunds", "SUPPORT/PLAYBOOKS/RefundFlow", "CUSTOMERS/cust_123"}
	s.record(len(userMessage)+32*len(trees), 24*len(nodes))
	return nodes, nil
}

// BuildPlan returns the six step refund plan aligned with the support
// registry.
func (s *Stub) BuildPlan(_ context.Context, pack *models.ContextPack) (*models.Plan, error) {
	tenantID := pack.TenantID
	plan := &models.Plan{
		Type: "plan",
		Goal: "Refund request: reply + ticket + email",
		Controls: models.PlanControls{
			RequiresApproval: tenantID == "tenant_demo",
			MaxToolCalls:     12,
			AllowedTools: []string{
				"crm.get_customer", "memory.search", "ticket.create",
				"ticket.add_comment", "internal.llm.draft_reply", "email.send",
			},
		},
		Steps: []models.PlanStep{
			{
				StepID:   "s1",
				ActionID: "act_crm_get_customer_v1",
				Args:     map[string]any{"customer_id": "cust_123"},
			},
			{
				StepID:   "s2",
				ActionID: "act_memory_search_v1",
				Args:     map[string]any{"query": "refund defective UE 14 days", "top_k": 5},
			},
			{
				StepID:   "s3",
				ActionID: "act_ticket_create_v1",
				Args: map[string]any{
					"customer_id":     "cust_123",
					"subject":         "Remboursement - produit defectueux",
					"description":     "Produit non fonctionnel. Demander preuve et proposer solution.",
					"priority":        "normal",
					"idempotency_key": fmt.Sprintf("idem:ticket:create:%s:cust_123:ord_778", tenantID),
				},
			},
			{
				StepID:   "s4",
				ActionID: "act_ticket_add_comment_v1",
				Args: map[string]any{
					"ticket_id":       "$s3.output.ticket_id",
					"comment":         "Resume policy + next steps",
					"public":          false,
					"idempotency_key": fmt.Sprintf("idem:ticket:comment:%s:refund", tenantID),
				},
				DependsOn: []string{"s3"},
			},
			{
				StepID:   "s5",
				ActionID: "act_draft_reply_v1",
				Args: map[string]any{
					"language":        "fr-FR",
					"tone":            "support_pro",
					"facts":           map[string]any{"ticket_id": "$s3.output.ticket_id"},
					"policy_snippets": "$s2.output.matches",
				},
				DependsOn: []string{"s1", "s2", "s3", "s4"},
			},
			{
				StepID:   "s6",
				ActionID: "act_email_send_v1",
				Args: map[string]any{
					"to":              "$s1.output.email",
					"subject":         "On s'occupe de votre demande",
					"body":            "$s5.output.body",
					"idempotency_key": fmt.Sprintf("idem:email:refund:%s:cust_123:ord_778", tenantID),
				},
				DependsOn: []string{"s5"},
			},
		},
	}
	s.record(1024, 2048)
	return plan, nil
}
