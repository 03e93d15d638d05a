package main

import (
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/rickgao/eventstream/internal/audit"
	"github.com/rickgao/eventstream/internal/bus"
	"github.com/rickgao/eventstream/internal/config"
	"github.com/rickgao/eventstream/internal/connection"
	"github.com/rickgao/eventstream/internal/router"
)

// newLogger builds the process logger from config.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func busConfig(cfg *config.Config) bus.Config {
	bc := bus.DefaultConfig()
	bc.Driver = cfg.Bus.Driver
	bc.Host = cfg.Bus.Host
	bc.Port = cfg.Bus.Port
	bc.Password = cfg.Bus.Password
	bc.DB = cfg.Bus.DB
	bc.AMQPURL = cfg.Bus.AMQPURL
	return bc
}

func routerConfig(cfg *config.Config) router.Config {
	rc := router.Config{
		Channel:              cfg.Bus.Channel,
		Host:                 cfg.Bus.Host,
		Port:                 cfg.Bus.Port,
		MaxReconnectAttempts: cfg.Bus.MaxReconnectAttempts,
		ReconnectStep:        cfg.Bus.ReconnectStep,
		ReconnectMaxDelay:    cfg.Bus.ReconnectMaxDelay,
	}
	if cfg.Bus.Driver == "amqp" {
		rc.Host, rc.Port = amqpEndpoint(cfg.Bus.AMQPURL)
	}
	return rc
}

// amqpEndpoint extracts host and port from an AMQP URL without credentials.
func amqpEndpoint(raw string) (string, int) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0
	}
	port := 5672
	if u.Scheme == "amqps" {
		port = 5671
	}
	if p, err := strconv.Atoi(u.Port()); err == nil {
		port = p
	}
	return u.Hostname(), port
}

func registryConfig(cfg *config.Config) connection.RegistryConfig {
	return connection.RegistryConfig{
		PodName:           cfg.Instance.PodName,
		HeartbeatInterval: cfg.Connections.HeartbeatInterval,
	}
}

func auditConfig(cfg *config.Config) audit.Config {
	return audit.Config{
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		BufferSize:    cfg.Audit.BufferSize,
	}
}
