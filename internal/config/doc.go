// Package config loads eventstream process configuration.
//
// Configuration is YAML with ${VAR} expansion, overlaid by the container
// environment (POD_NAME, REDIS_HOST, REDIS_PORT, REDIS_PASSWORD,
// RABBITMQ_URL, PORT), then defaulted and validated.
package config
