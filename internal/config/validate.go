package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.PodName == "" {
		return errors.New("instance.pod_name is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Connections.HeartbeatInterval <= 0 {
		return errors.New("connections.heartbeat_interval must be > 0")
	}
	if c.Connections.WriteTimeout <= 0 {
		return errors.New("connections.write_timeout must be > 0")
	}

	switch c.Bus.Driver {
	case "redis":
		if c.Bus.Host == "" {
			return errors.New("bus.host is required")
		}
		if c.Bus.Port < 1 || c.Bus.Port > 65535 {
			return fmt.Errorf("bus.port must be between 1 and 65535, got %d", c.Bus.Port)
		}
	case "amqp":
		if c.Bus.AMQPURL == "" {
			return errors.New("bus.amqp_url is required")
		}
	default:
		return fmt.Errorf("bus.driver must be \"redis\" or \"amqp\", got %q", c.Bus.Driver)
	}
	if c.Bus.Channel == "" {
		return errors.New("bus.channel is required")
	}
	if c.Bus.MaxReconnectAttempts < 1 {
		return errors.New("bus.max_reconnect_attempts must be >= 1")
	}
	if c.Bus.ReconnectStep > c.Bus.ReconnectMaxDelay {
		return fmt.Errorf("bus.reconnect_step (%s) cannot exceed reconnect_max_delay (%s)",
			c.Bus.ReconnectStep, c.Bus.ReconnectMaxDelay)
	}

	if c.Audit.Enabled {
		if err := c.Audit.Database.validate("audit.database"); err != nil {
			return err
		}
		if c.Audit.BatchSize < 1 {
			return errors.New("audit.batch_size must be >= 1")
		}
		if c.Audit.BufferSize < 1 {
			return errors.New("audit.buffer_size must be >= 1")
		}
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
