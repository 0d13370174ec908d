package policy_test

import (
	"context"
	"testing"

	"github.com/wardenhq/warden/control-plane/internal/policy"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

func TestProvider_RefreshPicksUpNewConfig(t *testing.T) {
	env := map[string]string{}
	p, err := policy.NewProviderWithEnv(models.ModeLab, envMap(env))
	if err != nil {
		t.Fatalf("NewProviderWithEnv() error = %v", err)
	}
	ctx := context.Background()

	if d := p.Evaluate(ctx, "rem-restart-container", models.TargetContainer, "nginx-1", nil); d.Allowed {
		t.Fatal("Evaluate() allowed before allowlist configured")
	}

	env["WARDEN_LAB_ALLOWED_CONTAINERS"] = "nginx-1"
	// Config is immutable until Refresh.
	if d := p.Evaluate(ctx, "rem-restart-container", models.TargetContainer, "nginx-1", nil); d.Allowed {
		t.Fatal("Evaluate() picked up env change without Refresh()")
	}

	if err := p.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if d := p.Evaluate(ctx, "rem-restart-container", models.TargetContainer, "nginx-1", nil); !d.Allowed {
		t.Fatalf("Evaluate() after Refresh() = %s, want allowed", d.PrimaryReason())
	}
	if got := p.Config().Lab.AllowedContainers.Entries(); len(got) != 1 || got[0] != "nginx-1" {
		t.Errorf("Config().Lab.AllowedContainers = %v", got)
	}
}

func TestProvider_UnknownMode(t *testing.T) {
	if _, err := policy.NewProviderWithEnv("staging", envMap(nil)); err == nil {
		t.Fatal("NewProviderWithEnv() expected error for unknown mode")
	}
}
