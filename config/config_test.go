package config

import "testing"

func TestRouterConfigNormalizeDefaults(t *testing.T) {
	cfg := RouterConfig{}.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("normalized config must validate: %v", err)
	}
	for _, tier := range []string{"compact", "balanced", "flagship"} {
		if cfg.Tiers[tier].Model == "" {
			t.Fatalf("tier %s missing a default model", tier)
		}
	}
	hasNone := func(efforts []string) bool {
		for _, e := range efforts {
			if e == "none" {
				return true
			}
		}
		return false
	}
	if hasNone(cfg.Tiers["compact"].Efforts) || hasNone(cfg.Tiers["balanced"].Efforts) {
		t.Fatal("none effort must default to flagship only")
	}
	if !hasNone(cfg.Tiers["flagship"].Efforts) {
		t.Fatal("flagship should allow none by default")
	}
}

func TestMemoryConfigThresholdOrdering(t *testing.T) {
	cfg := MemoryConfig{}.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.RefineThreshold >= cfg.DuplicateThreshold {
		t.Fatalf("refine must sit below duplicate: %v >= %v", cfg.RefineThreshold, cfg.DuplicateThreshold)
	}

	bad := cfg
	bad.RefineThreshold = 0.95
	if err := bad.Validate(); err == nil {
		t.Fatal("inverted thresholds must not validate")
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: "5433", User: "u", Password: "p", DBName: "routerd"}
	want := "postgres://u:p@db:5433/routerd?sslmode=disable"
	if got := p.DSN(); got != want {
		t.Fatalf("DSN mismatch: %s", got)
	}

	p.URL = "postgres://explicit"
	if p.DSN() != "postgres://explicit" {
		t.Fatal("explicit url must win")
	}
}
