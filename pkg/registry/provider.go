package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/aetherhq/aether/pkg/models"
)

// Provider resolves the effective registry for a task.
type Provider interface {
	LoadFor(task *models.TaskInput) (*models.Registry, error)
}

// FSProvider loads the base registry from a JSON file and layers overlay
// files from <layersDir>/{orgs,tenants,users}/<id>/registry_override.json in
// org -> tenant -> user order. The base document is cached; a watcher
// invalidates the cache when the file changes on disk.
type FSProvider struct {
	basePath  string
	layersDir string

	mu      sync.Mutex
	cached  map[string]any
	watcher *fsnotify.Watcher
}

// NewFSProvider builds a provider over the given base registry path and
// overlay layers directory. File watching is best-effort: when the watcher
// cannot be created the base document is simply re-read per task.
func NewFSProvider(basePath, layersDir string) *FSProvider {
	p := &FSProvider{basePath: basePath, layersDir: layersDir}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("Registry file watcher unavailable, caching disabled", "error", err)
		return p
	}
	if err := w.Add(filepath.Dir(basePath)); err != nil {
		slog.Warn("Cannot watch registry directory, caching disabled", "path", basePath, "error", err)
		_ = w.Close()
		return p
	}
	p.watcher = w
	go p.watch()
	return p
}

// Close stops the file watcher.
func (p *FSProvider) Close() error {
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

func (p *FSProvider) watch() {
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Name == p.basePath && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				p.mu.Lock()
				p.cached = nil
				p.mu.Unlock()
				slog.Info("Registry base changed, cache invalidated", "path", p.basePath)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Registry watcher error", "error", err)
		}
	}
}

func (p *FSProvider) loadBase() (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil && p.cached != nil {
		return p.cached, nil
	}
	raw, err := os.ReadFile(p.basePath)
	if err != nil {
		return nil, fmt.Errorf("reading registry %s: %w", p.basePath, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing registry %s: %w", p.basePath, err)
	}
	if p.watcher != nil {
		p.cached = doc
	}
	return doc, nil
}

func (p *FSProvider) overlayPaths(task *models.TaskInput) []string {
	var paths []string
	if task.OrgID != "" {
		paths = append(paths, filepath.Join(p.layersDir, "orgs", task.OrgID, "registry_override.json"))
	}
	if task.TenantID != "" {
		paths = append(paths, filepath.Join(p.layersDir, "tenants", task.TenantID, "registry_override.json"))
	}
	if task.UserID != "" {
		paths = append(paths, filepath.Join(p.layersDir, "users", task.UserID, "registry_override.json"))
	}
	return paths
}

// LoadFor resolves the effective registry for a task: base document,
// overlay layers, then the legacy tenant_overrides block. The result is a
// fresh decoded registry; callers may mutate it freely.
func (p *FSProvider) LoadFor(task *models.TaskInput) (*models.Registry, error) {
	doc, err := p.loadBase()
	if err != nil {
		return nil, err
	}
	out := deepCopy(doc).(map[string]any)
	for _, path := range p.overlayPaths(task) {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue // overlay files are optional
		}
		var ov map[string]any
		if err := json.Unmarshal(raw, &ov); err != nil {
			slog.Warn("Skipping unparsable registry overlay", "path", path, "error", err)
			continue
		}
		out = ApplyOverrides(out, ov)
	}

	reg, err := Decode(out)
	if err != nil {
		return nil, err
	}
	applyTenantOverrides(reg, task.TenantID)
	return reg, nil
}

// Decode converts a merged registry document into the typed registry.
func Decode(doc map[string]any) (*models.Registry, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding merged registry: %w", err)
	}
	var reg models.Registry
	if err := json.Unmarshal(raw, &reg); err != nil {
		return nil, fmt.Errorf("decoding merged registry: %w", err)
	}
	return &reg, nil
}

// applyTenantOverrides applies the legacy tenant_overrides block: tool and
// action enable-lists plus pointer-style security patches.
func applyTenantOverrides(reg *models.Registry, tenantID string) {
	ov, ok := reg.TenantOverrides[tenantID]
	if !ok {
		return
	}

	if len(ov.EnabledTools) > 0 {
		enabled := toSet(ov.EnabledTools)
		var tools []models.Tool
		for _, t := range reg.Tools {
			if enabled[t.ToolID] {
				tools = append(tools, t)
			}
		}
		reg.Tools = tools
	}
	if len(ov.EnabledActions) > 0 {
		enabled := toSet(ov.EnabledActions)
		var actions []models.Action
		for _, a := range reg.Actions {
			if enabled[a.ActionID] {
				actions = append(actions, a)
			}
		}
		reg.Actions = actions
	}

	for _, so := range ov.SecurityOverrides {
		a := reg.FindAction(so.ActionID)
		if a == nil {
			continue
		}
		if a.Security == nil {
			a.Security = &models.Security{}
		}
		for _, patch := range so.Set {
			switch patch.Path {
			case "/security/requires_approval":
				b, _ := patch.Value.(bool)
				a.Security.RequiresApproval = b
			case "/security/allowed_roles":
				a.Security.AllowedRoles = toStrings(patch.Value)
			}
		}
	}
}

func toSet(xs []string) map[string]bool {
	out := make(map[string]bool, len(xs))
	for _, x := range xs {
		out[x] = true
	}
	return out
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
