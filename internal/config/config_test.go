package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		yaml  string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "defaults",
			yaml: "db_dsn: postgres://localhost/callhub\n",
			check: func(t *testing.T, cfg *Config) {
				if cfg.ListenAddr != ":8080" || cfg.TCPListenAddr != ":4444" {
					t.Fatalf("unexpected listen addrs %q %q", cfg.ListenAddr, cfg.TCPListenAddr)
				}
				if cfg.LoginTimeout != 15*time.Second {
					t.Fatalf("expected 15s login timeout, got %v", cfg.LoginTimeout)
				}
				if cfg.AMI.Addr != "127.0.0.1:5038" || cfg.AMI.ReconnectInterval != 5*time.Second {
					t.Fatalf("unexpected ami defaults %+v", cfg.AMI)
				}
				if cfg.Dialplan.WhisperOptions != "qw" || cfg.Redis.Channel != "callhub:events" {
					t.Fatalf("unexpected defaults %+v %+v", cfg.Dialplan, cfg.Redis)
				}
			},
		},
		{
			name: "explicit values",
			yaml: `
listen_addr: ":9000"
login_timeout: 20s
ami:
  addr: pbx:5038
  username: hub
  secret: s3cret
  reconnect_interval: 1s
dialplan:
  context: from-internal
api_keys:
  - name: wallboard
    key: abc
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.ListenAddr != ":9000" || cfg.LoginTimeout != 20*time.Second {
					t.Fatalf("unexpected values %q %v", cfg.ListenAddr, cfg.LoginTimeout)
				}
				if cfg.AMI.Username != "hub" || cfg.AMI.ReconnectInterval != time.Second {
					t.Fatalf("unexpected ami %+v", cfg.AMI)
				}
				if cfg.Dialplan.Context != "from-internal" {
					t.Fatalf("unexpected context %q", cfg.Dialplan.Context)
				}
				if len(cfg.APIKeys) != 1 || cfg.APIKeys[0].Key != "abc" {
					t.Fatalf("unexpected api keys %+v", cfg.APIKeys)
				}
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "callhubd.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o600); err != nil {
				t.Fatalf("write config: %v", err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			tc.check(t, cfg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
