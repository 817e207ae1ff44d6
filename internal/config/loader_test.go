package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadByExtension(t *testing.T) {
	cases := []struct {
		name, content string
		check         func(Config) bool
	}{
		{
			"cfg.yaml",
			"addr: :9999\nmodels_dir: /tmp\ndefault_model: m1\nengine: sim\nqueue_size: 12\ncors:\n  enabled: true\n  allowed_origins: [\"https://a.example\"]\n",
			func(c Config) bool {
				return c.Addr == ":9999" && c.ModelsDir == "/tmp" && c.DefaultModel == "m1" && c.Engine == "sim" &&
					c.QueueSize == 12 && c.CORS.Enabled && len(c.CORS.AllowedOrigins) == 1
			},
		},
		{
			"cfg.json",
			`{"addr":":7070","models_dir":"/m","default_model":"m2","rate_limit":2.5,"rate_burst":4}`,
			func(c Config) bool {
				return c.Addr == ":7070" && c.ModelsDir == "/m" && c.DefaultModel == "m2" && c.RateLimit == 2.5 && c.RateBurst == 4
			},
		},
		{
			"cfg.toml",
			"addr=\":8081\"\nmodels_dir=\"/x\"\ndefault_model=\"m3\"\ndevice=\"cuda:0\"\nmax_num_sequence=8\n",
			func(c Config) bool {
				return c.Addr == ":8081" && c.ModelsDir == "/x" && c.DefaultModel == "m3" && c.Device == "cuda:0" && c.MaxNumSequence == 8
			},
		},
	}
	for _, tc := range cases {
		t.Run(filepath.Ext(tc.name), func(t *testing.T) {
			cfg, err := Load(writeTempFile(t, t.TempDir(), tc.name, tc.content))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if !tc.check(cfg) {
				t.Fatalf("unexpected cfg: %+v", cfg)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	if cfg.Addr != DefaultAddr || cfg.Engine != DefaultEngine || cfg.Device != DefaultDevice || cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.QueueSize != DefaultQueueSize || cfg.MaxBodyBytes != DefaultMaxBodyBytes || cfg.RequestTimeout != DefaultRequestTimeout {
		t.Fatalf("unexpected limits: %+v", cfg)
	}
	if cfg.RateBurst != 0 {
		t.Fatalf("burst set without a rate: %d", cfg.RateBurst)
	}

	cfg = Config{Addr: ":1", RateLimit: 3, RequestTimeout: time.Second}.WithDefaults()
	if cfg.Addr != ":1" || cfg.RateBurst != 3 || cfg.RequestTimeout != time.Second {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvAddr:      ":9000",
		EnvModelsDir: "/srv/models",
		EnvLogLevel:  "debug",
		EnvRateLimit: "10",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	cfg, err := Config{Addr: ":1", LogLevel: "info"}.ApplyEnv(lookup)
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.ModelsDir != "/srv/models" || cfg.LogLevel != "debug" || cfg.RateLimit != 10 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}

	env[EnvRateLimit] = "fast"
	if _, err := (Config{}).ApplyEnv(lookup); err == nil {
		t.Fatalf("expected error for bad rate limit")
	}
}
