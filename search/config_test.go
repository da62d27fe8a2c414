package search

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
provider:
  base_url: https://api.example.com/v3
  login: user
  password: pass
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Normalize(); err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("listen: %q", cfg.Listen)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("backend: %q", cfg.Store.Backend)
	}
	if cfg.Limits.DailyPerCaller != 100 {
		t.Errorf("daily limit: %d", cfg.Limits.DailyPerCaller)
	}
	if cfg.Breaker.Threshold != 5 || cfg.Breaker.ResetTimeout != 30*time.Second || cfg.Breaker.HalfOpenMax != 3 {
		t.Errorf("breaker: %+v", cfg.Breaker)
	}
	if cfg.Cache.ResultTTL != 48*time.Hour || cfg.Cache.TaskTTL != time.Hour {
		t.Errorf("cache: %+v", cfg.Cache)
	}
	if cfg.Provider.LocationCode != 2840 || cfg.Provider.LanguageCode != "en" {
		t.Errorf("locale: %+v", cfg.Provider)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := writeConfig(t, `
listen: ":9999"
store:
  backend: sqlite
  path: /tmp/test.db
provider:
  base_url: https://api.example.com/v3
  login: user
  password: pass
  timeout: 10s
limits:
  daily_per_caller: 5
breaker:
  threshold: 2
  reset_timeout: 5s
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Normalize(); err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9999" || cfg.Store.Backend != "sqlite" || cfg.Store.Path != "/tmp/test.db" {
		t.Errorf("cfg: %+v", cfg)
	}
	if cfg.Limits.DailyPerCaller != 5 || cfg.Breaker.Threshold != 2 || cfg.Breaker.ResetTimeout != 5*time.Second {
		t.Errorf("cfg: %+v", cfg)
	}
	if cfg.Provider.Timeout != 10*time.Second {
		t.Errorf("timeout: %v", cfg.Provider.Timeout)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing provider": `
listen: ":8080"
`,
		"missing credentials": `
provider:
  base_url: https://api.example.com/v3
`,
		"unknown backend": `
store:
  backend: dynamo
provider:
  base_url: https://api.example.com/v3
  login: user
  password: pass
`,
		"redis without addr": `
store:
  backend: redis
provider:
  base_url: https://api.example.com/v3
  login: user
  password: pass
`,
	}
	for name, body := range cases {
		cfg, err := LoadConfig(writeConfig(t, body))
		if err != nil {
			t.Fatalf("%s: parse: %v", name, err)
		}
		if err := cfg.Normalize(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error")
	}
}
