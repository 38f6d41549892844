package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aetherhq/aether/pkg/models"
)

// TenantLoader loads per-tenant runtime context.
type TenantLoader interface {
	LoadTenantContext(tenantID string) (*models.TenantContext, error)
}

// FSTenantProvider reads tenant context JSON from a config directory,
// trying <dir>/<id>/<id>.json, <dir>/<id>/tenant.json, <dir>/<id>.json in
// order. Missing or broken files fall back to a permissive default.
type FSTenantProvider struct {
	dir string
}

// NewFSTenantProvider builds a tenant loader over the given directory.
func NewFSTenantProvider(dir string) *FSTenantProvider {
	return &FSTenantProvider{dir: dir}
}

// LoadTenantContext returns the tenant's configuration, or the default when
// none is found.
func (p *FSTenantProvider) LoadTenantContext(tenantID string) (*models.TenantContext, error) {
	candidates := []string{
		filepath.Join(p.dir, tenantID, tenantID+".json"),
		filepath.Join(p.dir, tenantID, "tenant.json"),
		filepath.Join(p.dir, tenantID+".json"),
	}
	for _, path := range candidates {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var tc models.TenantContext
		if err := json.Unmarshal(raw, &tc); err != nil {
			return nil, fmt.Errorf("parsing tenant context %s: %w", path, err)
		}
		if tc.TenantID == "" {
			tc.TenantID = tenantID
		}
		return &tc, nil
	}
	return models.DefaultTenantContext(tenantID), nil
}
