package config

import "time"

// Config is the root configuration for an eventstream process.
type Config struct {
	Instance    InstanceConfig    `yaml:"instance"`
	Server      ServerConfig      `yaml:"server"`
	Connections ConnectionsConfig `yaml:"connections"`
	Bus         BusConfig         `yaml:"bus"`
	Audit       AuditConfig       `yaml:"audit"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// InstanceConfig identifies this process within the fleet.
type InstanceConfig struct {
	PodName string `yaml:"pod_name"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ConnectionsConfig holds streaming connection settings.
type ConnectionsConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// BusConfig holds broadcast bus settings.
type BusConfig struct {
	Driver               string        `yaml:"driver"` // "redis" or "amqp"
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	Password             string        `yaml:"password"`
	DB                   int           `yaml:"db"`
	AMQPURL              string        `yaml:"amqp_url"`
	Channel              string        `yaml:"channel"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectStep        time.Duration `yaml:"reconnect_step"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
}

// AuditConfig controls the connection session log.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
