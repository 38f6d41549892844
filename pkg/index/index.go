// Package index defines the context tree provider contract.
package index

import (
	"context"

	"github.com/aetherhq/aether/pkg/models"
)

// Provider loads or builds the navigable context trees for a tenant.
type Provider interface {
	LoadOrBuildTrees(ctx context.Context, tenantID string, domains []string) ([]models.ContextTree, error)
}

// InMemory serves fixed demo trees.
type InMemory struct{}

// NewInMemory builds the in-memory tree provider.
func NewInMemory() *InMemory {
	return &InMemory{}
}

// LoadOrBuildTrees implements Provider.
func (p *InMemory) LoadOrBuildTrees(_ context.Context, _ string, _ []string) ([]models.ContextTree, error) {
	return []models.ContextTree{
		{Tree: "KB", Nodes: []models.TreeNode{{NodeID: "SUPPORT/KB/Refunds", Summary: "Refunds policy summary"}}},
		{Tree: "WORLD", Nodes: []models.TreeNode{{NodeID: "CUSTOMERS/cust_123", Summary: "Customer node"}}},
	}, nil
}
