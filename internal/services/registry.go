package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Route sources recorded on the command and in the x-command-route-source header.
const (
	RouteSourceDefault  = "registry"
	RouteSourceOverride = "tenant-override"
)

// Route is the resolved destination of a command for a tenant.
type Route struct {
	CommandName     string   `json:"commandName"`
	TargetService   string   `json:"targetService"`
	TargetTopic     string   `json:"targetTopic,omitempty"`
	RequiredModules []string `json:"requiredModules,omitempty"`
	Disabled        bool     `json:"disabled,omitempty"`
	DisabledReason  string   `json:"disabledReason,omitempty"`
	Source          string   `json:"-"`
}

// Membership is what the caller knows about the tenant's enabled modules.
type Membership struct {
	Modules []string
}

func (m Membership) has(module string) bool {
	for _, x := range m.Modules {
		if strings.EqualFold(x, module) {
			return true
		}
	}
	return false
}

// CommandRegistry resolves a command name for a tenant. Failures are
// *CommandError values.
type CommandRegistry interface {
	ResolveCommandForTenant(ctx context.Context, name, tenantID string, m Membership) (Route, error)
}

// NormalizeCommandName trims and lower-cases a command name. A Caser keeps
// state, so one is built per call.
func NormalizeCommandName(name string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(name))
}

// RegistryFile is the JSON layout read by LoadStaticRegistry.
type RegistryFile struct {
	DefaultTopic string             `json:"defaultTopic"`
	Routes       []Route            `json:"routes"`
	Overrides    map[string][]Route `json:"tenantOverrides"`
}

// StaticRegistry is an in-memory CommandRegistry. Tenant overrides replace the
// default route field by field (non-empty fields win; Disabled always wins).
type StaticRegistry struct {
	mu           sync.RWMutex
	defaultTopic string
	routes       map[string]Route
	overrides    map[string]map[string]Route
}

// NewStaticRegistry builds a registry from f.
func NewStaticRegistry(f RegistryFile) (*StaticRegistry, error) {
	r := &StaticRegistry{
		defaultTopic: f.DefaultTopic,
		routes:       make(map[string]Route, len(f.Routes)),
		overrides:    make(map[string]map[string]Route),
	}
	for _, rt := range f.Routes {
		rt.CommandName = NormalizeCommandName(rt.CommandName)
		if rt.CommandName == "" || rt.TargetService == "" {
			return nil, fmt.Errorf("route %q: commandName and targetService are required", rt.CommandName)
		}
		if _, dup := r.routes[rt.CommandName]; dup {
			return nil, fmt.Errorf("route %q declared twice", rt.CommandName)
		}
		r.routes[rt.CommandName] = rt
	}
	for tenant, rts := range f.Overrides {
		m := make(map[string]Route, len(rts))
		for _, rt := range rts {
			rt.CommandName = NormalizeCommandName(rt.CommandName)
			m[rt.CommandName] = rt
		}
		r.overrides[tenant] = m
	}
	return r, nil
}

// LoadStaticRegistry reads a RegistryFile from path.
func LoadStaticRegistry(path string) (*StaticRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read command routes: %w", err)
	}
	var f RegistryFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse command routes: %w", err)
	}
	return NewStaticRegistry(f)
}

// ResolveCommandForTenant implements CommandRegistry.
func (r *StaticRegistry) ResolveCommandForTenant(_ context.Context, name, tenantID string, m Membership) (Route, error) {
	name = NormalizeCommandName(name)

	r.mu.RLock()
	rt, ok := r.routes[name]
	ov, hasOv := r.overrides[tenantID][name]
	r.mu.RUnlock()

	if !ok {
		return Route{}, errNotFound(name)
	}
	rt.Source = RouteSourceDefault
	if hasOv {
		rt = merge(rt, ov)
		rt.Source = RouteSourceOverride
	}
	if rt.TargetTopic == "" {
		rt.TargetTopic = r.defaultTopic
	}

	if rt.Disabled {
		return Route{}, errDisabled(name, rt.DisabledReason)
	}
	var missing []string
	for _, mod := range rt.RequiredModules {
		if !m.has(mod) {
			missing = append(missing, mod)
		}
	}
	if len(missing) > 0 {
		return Route{}, errModulesMissing(name, missing)
	}
	return rt, nil
}

func merge(base, ov Route) Route {
	if ov.TargetService != "" {
		base.TargetService = ov.TargetService
	}
	if ov.TargetTopic != "" {
		base.TargetTopic = ov.TargetTopic
	}
	if ov.RequiredModules != nil {
		base.RequiredModules = ov.RequiredModules
	}
	if ov.Disabled {
		base.Disabled = true
		base.DisabledReason = ov.DisabledReason
	}
	return base
}
