package bus

import (
	"fmt"
	"log/slog"
)

// Open builds the Bus for cfg.Driver. No network I/O happens until the
// first Subscribe or Publish.
func Open(cfg Config, logger *slog.Logger) (Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}

	switch cfg.Driver {
	case "redis", "":
		return NewRedisBus(cfg, logger.With("bus", "redis")), nil
	case "amqp":
		return NewAMQPBus(cfg, logger.With("bus", "amqp")), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
