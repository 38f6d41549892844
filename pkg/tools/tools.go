// Package tools defines the tool invocation contract consumed by the step
// executor, plus the deterministic stub used by the in-memory profile and
// tests.
package tools

import (
	"context"
	"fmt"
	"sync"
)

// CallRequest is one tool invocation. TimeoutMS is advisory for remote
// transports; the executor additionally bounds the call with a context
// deadline.
type CallRequest struct {
	ActionID  string         `json:"action_id"`
	Args      map[string]any `json:"args"`
	TimeoutMS int            `json:"timeout_ms"`
}

// Runner invokes tools. Tool references are opaque strings; transport is
// the implementation's concern.
type Runner interface {
	Call(ctx context.Context, tenantID, tool string, req CallRequest) (map[string]any, error)
}

// Stub is an in-process tool runner for the support-refund scenario. Call
// counters let tests assert at-most-once side effects; RateLimitFirstEmail
// makes the first email.send fail with a 429 to exercise the retry path.
type Stub struct {
	mu                  sync.Mutex
	emailSendCalls      int
	ticketCreateCalls   int
	RateLimitFirstEmail bool
}

// NewStub builds the stub tool runner.
func NewStub() *Stub {
	return &Stub{}
}

// EmailSendCalls returns how often email.send reached the upstream.
func (s *Stub) EmailSendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emailSendCalls
}

// TicketCreateCalls returns how often ticket.create reached the upstream.
func (s *Stub) TicketCreateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticketCreateCalls
}

// Call dispatches on the tool reference.
func (s *Stub) Call(_ context.Context, _ string, tool string, req CallRequest) (map[string]any, error) {
	switch tool {
	case "crm.get_customer":
		id, _ := req.Args["customer_id"].(string)
		return map[string]any{"id": id, "name": "Nina", "email": "nina@example.com"}, nil

	case "memory.search":
		return map[string]any{"matches": []any{
			map[string]any{"doc_id": "doc_kb_refunds", "summary": "UE 14 jours + defaut => preuve + remboursement/remplacement"},
		}}, nil

	case "ticket.create":
		s.mu.Lock()
		s.ticketCreateCalls++
		s.mu.Unlock()
		return map[string]any{"ticket_id": "tkt_5001", "status": "open"}, nil

	case "ticket.add_comment":
		return map[string]any{"comment_id": "cmt_1", "status": "ok"}, nil

	case "internal.llm.draft_reply":
		ticketID := "tkt_XXXX"
		if facts, ok := req.Args["facts"].(map[string]any); ok {
			if id, ok := facts["ticket_id"].(string); ok {
				ticketID = id
			}
		}
		return map[string]any{
			"subject": fmt.Sprintf("On s'occupe de votre demande (%s)", ticketID),
			"body":    "Bonjour, nous allons vous aider. Merci d'envoyer une photo/numero de serie.",
		}, nil

	case "email.send":
		s.mu.Lock()
		s.emailSendCalls++
		first := s.emailSendCalls == 1
		rateLimit := s.RateLimitFirstEmail
		s.mu.Unlock()
		if rateLimit && first {
			return nil, fmt.Errorf("429 rate limit")
		}
		return map[string]any{"message_id": "msg_9012", "status": "sent"}, nil
	}

	return nil, fmt.Errorf("upstream: unknown tool %s", tool)
}
