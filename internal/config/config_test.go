package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Phases) != 8 {
		t.Fatalf("expected 8 phases, got %d", len(cfg.Phases))
	}
	if cfg.Automation.Interval != 5*time.Minute || cfg.Automation.PairTimeout != 30*time.Second {
		t.Fatalf("unexpected automation defaults: %+v", cfg.Automation)
	}
	if !cfg.Automation.IsEnabled() {
		t.Fatalf("automation should default to enabled")
	}
	if cfg.Server.BasePath != DefaultBasePath {
		t.Fatalf("base path: %s", cfg.Server.BasePath)
	}
}

func TestFromYAMLKeepsDefaultPhasesWhenOmitted(t *testing.T) {
	cfg, err := FromYAML([]byte("automation:\n  interval: 1m\n  enabled: false\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Phases) != 8 {
		t.Fatalf("expected default phases, got %d", len(cfg.Phases))
	}
	if cfg.Automation.Interval != time.Minute || cfg.Automation.IsEnabled() {
		t.Fatalf("unexpected automation: %+v", cfg.Automation)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"duplicate phase":  "phases:\n  - {key: a, name: A}\n  - {key: a, name: B}\n",
		"duplicate action": "phases:\n  - key: a\n    name: A\n    actions:\n      - {key: x}\n      - {key: x}\n",
		"missing name":     "phases:\n  - {key: a}\n",
		"bad owner":        "phases:\n  - key: a\n    name: A\n    actions:\n      - {key: x, owner: robot}\n",
		"bad webhook":      "notifications:\n  webhooks:\n    - url: not a url\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(raw)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestActionMandatoryDefaultsTrue(t *testing.T) {
	cfg, err := FromYAML([]byte("phases:\n  - key: a\n    name: A\n    actions:\n      - {key: x}\n      - {key: y, mandatory: false}\n"))
	if err != nil {
		t.Fatal(err)
	}
	acts := cfg.Phases[0].Actions
	if !acts[0].IsMandatory() || acts[1].IsMandatory() {
		t.Fatalf("unexpected mandatory flags")
	}
	if acts[0].Owner != "client" {
		t.Fatalf("owner default: %q", acts[0].Owner)
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Phases) != 8 {
		t.Fatalf("expected default")
	}
	raw := strings.Replace(GenerateDefault(), "interval: 5m", "interval: 2m", 1)
	if err := os.WriteFile(filepath.Join(dir, "phaseline.yml"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Automation.Interval != 2*time.Minute {
		t.Fatalf("interval: %v", cfg.Automation.Interval)
	}
}
