package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeCommandName(t *testing.T) {
	if got := NormalizeCommandName("  Billing.Invoice.ADJUST "); got != "billing.invoice.adjust" {
		t.Fatalf("NormalizeCommandName = %q", got)
	}
}

func TestStaticRegistry_Overrides(t *testing.T) {
	r, err := NewStaticRegistry(RegistryFile{
		DefaultTopic: "commands",
		Routes: []Route{
			{CommandName: "a.b", TargetService: "svc-a", RequiredModules: []string{"core"}},
		},
		Overrides: map[string][]Route{
			"t2": {{CommandName: "A.B", TargetService: "svc-a-eu", TargetTopic: "eu.commands", RequiredModules: []string{}}},
		},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	ctx := context.Background()

	rt, err := r.ResolveCommandForTenant(ctx, "a.b", "t1", Membership{Modules: []string{"CORE"}})
	if err != nil {
		t.Fatalf("default route: %v", err)
	}
	if rt.TargetService != "svc-a" || rt.TargetTopic != "commands" || rt.Source != RouteSourceDefault {
		t.Fatalf("unexpected default route: %+v", rt)
	}

	// The override clears required modules, so an empty membership is fine.
	rt, err = r.ResolveCommandForTenant(ctx, "a.b", "t2", Membership{})
	if err != nil {
		t.Fatalf("override route: %v", err)
	}
	if rt.TargetService != "svc-a-eu" || rt.TargetTopic != "eu.commands" || rt.Source != RouteSourceOverride {
		t.Fatalf("unexpected override route: %+v", rt)
	}

	if _, err := r.ResolveCommandForTenant(ctx, "a.b", "t1", Membership{}); !errors.Is(err, ErrModulesMissing) {
		t.Fatalf("want ErrModulesMissing, got %v", err)
	}
}

func TestStaticRegistry_NotFoundBeatsDisabled(t *testing.T) {
	r, err := NewStaticRegistry(RegistryFile{
		Overrides: map[string][]Route{"t1": {{CommandName: "ghost", Disabled: true}}},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, err := r.ResolveCommandForTenant(context.Background(), "ghost", "t1", Membership{}); !errors.Is(err, ErrCommandNotFound) {
		t.Fatalf("want ErrCommandNotFound, got %v", err)
	}
}

func TestNewStaticRegistry_RejectsBadRoutes(t *testing.T) {
	if _, err := NewStaticRegistry(RegistryFile{Routes: []Route{{CommandName: "x"}}}); err == nil {
		t.Fatalf("expected error for route without target service")
	}
	dup := []Route{{CommandName: "x", TargetService: "a"}, {CommandName: " X ", TargetService: "b"}}
	if _, err := NewStaticRegistry(RegistryFile{Routes: dup}); err == nil {
		t.Fatalf("expected error for duplicate route")
	}
}

func TestLoadStaticRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.json")
	body := `{
  "defaultTopic": "commands",
  "routes": [{"commandName": "housekeeping.task.assign", "targetService": "housekeeping"}],
  "tenantOverrides": {"t9": [{"commandName": "housekeeping.task.assign", "disabled": true, "disabledReason": "MAINTENANCE"}]}
}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := LoadStaticRegistry(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	_, err = r.ResolveCommandForTenant(context.Background(), "housekeeping.task.assign", "t9", Membership{})
	var ce *CommandError
	if !errors.As(err, &ce) || ce.Code != CodeDisabled || ce.Reason != "MAINTENANCE" {
		t.Fatalf("want DISABLED/MAINTENANCE, got %v", err)
	}

	if _, err := LoadStaticRegistry(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
