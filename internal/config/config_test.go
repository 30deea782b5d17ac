package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadJSONAndYAMLAgree(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "config.json")
	yamlPath := filepath.Join(dir, "config.yaml")
	writeFile(t, jsonPath, `{
  "telegram": {"token": "t0k", "poll_timeout": "5s"},
  "event": {"photographer_username": "shutter"},
  "distribution": {"workers": 4, "dispatch_timeout": "3s"},
  "storage": {"driver": "sqlite", "path": "./db.sqlite"}
}`)
	writeFile(t, yamlPath, `
telegram:
  token: t0k
  poll_timeout: 5s
event:
  photographer_username: shutter
distribution:
  workers: 4
  dispatch_timeout: 3s
storage:
  driver: sqlite
  path: ./db.sqlite
`)

	a, err := NewManager(jsonPath).Load()
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	b, err := NewManager(yamlPath).Load()
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if hashConfig(a) != hashConfig(b) {
		t.Fatalf("json and yaml differ:\n%+v\n%+v", a, b)
	}
	if a.Event.PhotographerUsername != "shutter" || a.Distribution.Workers != 4 {
		t.Fatalf("unexpected config %+v", a)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"telegram": {"token": "x"}, "bogus": 1}`)
	if _, err := NewManager(path).Load(); !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestMissingTokenIsConfigError(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	path := filepath.Join(t.TempDir(), "missing.json")
	_, err := NewManager(path).Load()
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"telegram": {"token": "from-file"}, "storage": {"path": "file.db"}}`)
	t.Setenv("TELEGRAM_BOT_TOKEN", "from-env")
	t.Setenv("DB_PATH", "/data/env.db")
	t.Setenv("PHOTOGRAPHER_USERNAME", "lens")

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" || cfg.Storage.Path != "/data/env.db" || cfg.Event.PhotographerUsername != "lens" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config { return &Config{Telegram: TelegramConfig{Token: "x"}} }
	cases := map[string]func(c *Config){
		"negative workers": func(c *Config) { c.Distribution.Workers = -1 },
		"bad timeout":      func(c *Config) { c.Distribution.DispatchTimeout = "soon" },
		"bad driver":       func(c *Config) { c.Storage.Driver = "postgres" },
		"bad timezone":     func(c *Config) { c.Report.Timezone = "Mars/Olympus" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			if err := Validate(c); !errors.Is(err, ErrConfig) {
				t.Fatalf("err = %v, want ErrConfig", err)
			}
		})
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"telegram": {"token": "x"}, "event": {"photographer_username": "a"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	if err := m.Reload(ctx); err != nil {
		t.Fatalf("Reload unchanged: %v", err)
	}
	select {
	case <-sub:
		t.Fatalf("unchanged config was published")
	default:
	}

	writeFile(t, path, `{"telegram": {"token": "x"}, "event": {"photographer_username": "b"}}`)
	if err := m.Reload(ctx); err != nil {
		t.Fatalf("Reload changed: %v", err)
	}
	select {
	case cfg := <-sub:
		if cfg.Event.PhotographerUsername != "b" {
			t.Fatalf("published %+v", cfg.Event)
		}
	case <-time.After(time.Second):
		t.Fatalf("changed config not published")
	}

	writeFile(t, path, `{"telegram": {"token": "x"}, "distribution": {"workers": -3}}`)
	if err := m.Reload(ctx); err == nil {
		t.Fatalf("invalid config accepted")
	}
	if got := m.Get().Event.PhotographerUsername; got != "b" {
		t.Fatalf("rejected reload replaced config: %q", got)
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); !errors.Is(err, ErrConfig) {
		t.Fatalf("negative err = %v", err)
	}
}
