// Package hydrator defines the context pack builder contract.
package hydrator

import (
	"context"

	"github.com/aetherhq/aether/pkg/models"
)

// Hydrator turns selected context nodes into the pack handed to the planner.
type Hydrator interface {
	Hydrate(ctx context.Context, tenantID, userMessage string, nodeList []string, reg *models.Registry) (*models.ContextPack, error)
}

// Stub builds a minimal pack: the task framing plus the registry's action
// space. Enough for the stub planner.
type Stub struct{}

// NewStub builds the stub hydrator.
func NewStub() *Stub {
	return &Stub{}
}

// Hydrate implements Hydrator.
func (s *Stub) Hydrate(_ context.Context, tenantID, userMessage string, nodeList []string, reg *models.Registry) (*models.ContextPack, error) {
	space := make([]models.ActionRef, 0, len(reg.Actions))
	for _, a := range reg.Actions {
		space = append(space, models.ActionRef{ActionID: a.ActionID, Tool: a.Tool})
	}
	return &models.ContextPack{
		Type:     "context_pack",
		PackID:   "pack_demo",
		TenantID: tenantID,
		Task: map[string]any{
			"user_message": userMessage,
			"customer_ref": map[string]any{"kind": "Customer", "id": "cust_123"},
		},
		NodeList:    nodeList,
		ActionSpace: space,
	}, nil
}
