package config_test

import (
	"strings"
	"testing"

	"foreman/internal/config"
)

func TestDefaultTemplateValid(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("default template invalid: %v", err)
	}
	if len(cfg.WorkerPools) == 0 {
		t.Fatal("default template has no worker pools")
	}
	if cfg.Routing.DefaultPool == "" {
		t.Fatal("default template has no default pool")
	}
	if _, ok := cfg.PoolByName(cfg.Routing.DefaultPool); !ok {
		t.Fatalf("default pool %s not defined", cfg.Routing.DefaultPool)
	}
}

func TestValidateRejectsUnknownPool(t *testing.T) {
	_, err := config.FromYAML([]byte(`
worker_pools:
  - name: coding-pool
    worker_reference: workers/coding
routing:
  rules:
    - if_metadata_type: [bug]
      then_pool: nowhere
`))
	if err == nil || !strings.Contains(err.Error(), "unknown pool") {
		t.Fatalf("err = %v; want unknown pool error", err)
	}
}

func TestValidateRejectsAmbiguousRule(t *testing.T) {
	_, err := config.FromYAML([]byte(`
worker_pools:
  - name: coding-pool
    worker_reference: workers/coding
routing:
  rules:
    - if_metadata_type: [bug]
      if_status: blocked
      then_pool: coding-pool
`))
	if err == nil || !strings.Contains(err.Error(), "exactly one") {
		t.Fatalf("err = %v; want predicate error", err)
	}
}

func TestValidateRejectsDuplicatePool(t *testing.T) {
	_, err := config.FromYAML([]byte(`
worker_pools:
  - name: coding-pool
    worker_reference: workers/coding
  - name: coding-pool
    worker_reference: workers/other
`))
	if err == nil || !strings.Contains(err.Error(), "twice") {
		t.Fatalf("err = %v; want duplicate pool error", err)
	}
}

func TestValidateRejectsNonBlockedStatus(t *testing.T) {
	_, err := config.FromYAML([]byte(`
worker_pools:
  - name: coding-pool
    worker_reference: workers/coding
routing:
  rules:
    - if_status: completed
      then_pool: coding-pool
`))
	if err == nil {
		t.Fatal("expected error for if_status other than blocked")
	}
}
