package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv blanks the variables applyEnv reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"POD_NAME", "REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD", "RABBITMQ_URL", "PORT"} {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)

	yaml := `
instance:
  pod_name: stream-0
server:
  port: 9000
connections:
  heartbeat_interval: 15s
bus:
  driver: redis
  host: redis.internal
  port: 6380
  channel: client-events
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.PodName != "stream-0" {
		t.Errorf("Instance.PodName = %q, want %q", cfg.Instance.PodName, "stream-0")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Connections.HeartbeatInterval != 15*time.Second {
		t.Errorf("Connections.HeartbeatInterval = %v, want 15s", cfg.Connections.HeartbeatInterval)
	}
	if cfg.Bus.Host != "redis.internal" {
		t.Errorf("Bus.Host = %q, want %q", cfg.Bus.Host, "redis.internal")
	}
	if cfg.Bus.Channel != "client-events" {
		t.Errorf("Bus.Channel = %q, want %q", cfg.Bus.Channel, "client-events")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Bus.Host != "" {
		t.Errorf("Bus.Host = %q, want empty", cfg.Bus.Host)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_REDIS_PASSWORD", "secret123")

	yaml := `
instance:
  pod_name: stream-0
bus:
  password: ${TEST_REDIS_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Bus.Password != "secret123" {
		t.Errorf("Bus.Password = %q, want %q", cfg.Bus.Password, "secret123")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("POD_NAME", "stream-7")
	t.Setenv("REDIS_HOST", "10.0.0.5")
	t.Setenv("REDIS_PORT", "6390")
	t.Setenv("PORT", "8181")

	yaml := `
instance:
  pod_name: from-file
bus:
  host: from-file
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Instance.PodName != "stream-7" {
		t.Errorf("Instance.PodName = %q, want %q", cfg.Instance.PodName, "stream-7")
	}
	if cfg.Bus.Host != "10.0.0.5" {
		t.Errorf("Bus.Host = %q, want %q", cfg.Bus.Host, "10.0.0.5")
	}
	if cfg.Bus.Port != 6390 {
		t.Errorf("Bus.Port = %d, want 6390", cfg.Bus.Port)
	}
	if cfg.Server.Port != 8181 {
		t.Errorf("Server.Port = %d, want 8181", cfg.Server.Port)
	}
}

func TestLoadWithBadPortEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_PORT", "not-a-port")

	if _, err := LoadWithDefaults(""); err == nil {
		t.Fatal("expected error for non-numeric REDIS_PORT")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	clearEnv(t)

	yaml := `
instance:
  pod_name: stream-0
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Server.Port != DefaultServerPort {
		t.Errorf("Server.Port = %d, want default %d", cfg.Server.Port, DefaultServerPort)
	}
	if cfg.Connections.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("Connections.HeartbeatInterval = %v, want default %v", cfg.Connections.HeartbeatInterval, DefaultHeartbeatInterval)
	}
	if cfg.Bus.Driver != DefaultBusDriver {
		t.Errorf("Bus.Driver = %q, want default %q", cfg.Bus.Driver, DefaultBusDriver)
	}
	if cfg.Bus.Port != DefaultRedisPort {
		t.Errorf("Bus.Port = %d, want default %d", cfg.Bus.Port, DefaultRedisPort)
	}
	if cfg.Bus.Channel != DefaultChannel {
		t.Errorf("Bus.Channel = %q, want default %q", cfg.Bus.Channel, DefaultChannel)
	}
	if cfg.Bus.MaxReconnectAttempts != DefaultMaxReconnectAttempts {
		t.Errorf("Bus.MaxReconnectAttempts = %d, want default %d", cfg.Bus.MaxReconnectAttempts, DefaultMaxReconnectAttempts)
	}
	if cfg.Bus.ReconnectStep != DefaultReconnectStep {
		t.Errorf("Bus.ReconnectStep = %v, want default %v", cfg.Bus.ReconnectStep, DefaultReconnectStep)
	}
	if cfg.Bus.ReconnectMaxDelay != DefaultReconnectMaxDelay {
		t.Errorf("Bus.ReconnectMaxDelay = %v, want default %v", cfg.Bus.ReconnectMaxDelay, DefaultReconnectMaxDelay)
	}
	if cfg.Audit.Database.Port != DefaultDBPort {
		t.Errorf("Audit.Database.Port = %d, want default %d", cfg.Audit.Database.Port, DefaultDBPort)
	}
	if cfg.Logging.Format != DefaultLogFormat {
		t.Errorf("Logging.Format = %q, want default %q", cfg.Logging.Format, DefaultLogFormat)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaulted config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Instance:    InstanceConfig{PodName: "stream-0"},
			Server:      ServerConfig{Port: 8080},
			Connections: ConnectionsConfig{HeartbeatInterval: 30 * time.Second, WriteTimeout: 5 * time.Second},
			Bus: BusConfig{
				Driver:               "redis",
				Host:                 "localhost",
				Port:                 6379,
				Channel:              "sse-events",
				MaxReconnectAttempts: 10,
				ReconnectStep:        100 * time.Millisecond,
				ReconnectMaxDelay:    2 * time.Second,
			},
			Logging: LoggingConfig{Level: "info", Format: "text"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing pod name",
			mutate:  func(c *Config) { c.Instance.PodName = "" },
			wantErr: "instance.pod_name is required",
		},
		{
			name:    "bad server port",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port must be between 1 and 65535, got 70000",
		},
		{
			name:    "zero heartbeat",
			mutate:  func(c *Config) { c.Connections.HeartbeatInterval = 0 },
			wantErr: "connections.heartbeat_interval must be > 0",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Bus.Driver = "kafka" },
			wantErr: `bus.driver must be "redis" or "amqp", got "kafka"`,
		},
		{
			name: "amqp without url",
			mutate: func(c *Config) {
				c.Bus.Driver = "amqp"
				c.Bus.AMQPURL = ""
			},
			wantErr: "bus.amqp_url is required",
		},
		{
			name:    "missing channel",
			mutate:  func(c *Config) { c.Bus.Channel = "" },
			wantErr: "bus.channel is required",
		},
		{
			name:    "no reconnect attempts",
			mutate:  func(c *Config) { c.Bus.MaxReconnectAttempts = 0 },
			wantErr: "bus.max_reconnect_attempts must be >= 1",
		},
		{
			name:    "step exceeds ceiling",
			mutate:  func(c *Config) { c.Bus.ReconnectStep = 5 * time.Second },
			wantErr: "bus.reconnect_step (5s) cannot exceed reconnect_max_delay (2s)",
		},
		{
			name: "audit enabled without password",
			mutate: func(c *Config) {
				c.Audit.Enabled = true
				c.Audit.Database = DBConfig{Host: "localhost", Name: "db", User: "user"}
			},
			wantErr: "audit.database.password is required",
		},
		{
			name: "audit min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Audit.Enabled = true
				c.Audit.BatchSize = 10
				c.Audit.BufferSize = 10
				c.Audit.Database = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 2, MinConns: 5}
			},
			wantErr: "audit.database.min_conns (5) cannot exceed max_conns (2)",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: `logging.format must be "text" or "json", got "xml"`,
		},
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
