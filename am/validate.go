package am

import "github.com/teranos/segpulse/errors"

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path cannot be empty")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.SendBuffer <= 0 {
		return errors.Newf("server.send_buffer must be > 0, got %d", c.Server.SendBuffer)
	}
	for i, tok := range c.Server.Tokens {
		if tok.Token == "" || tok.UserID == "" {
			return errors.Newf("server.tokens[%d] needs both token and user_id", i)
		}
	}

	// 0 workers is allowed: API-only node
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.PollIntervalMS <= 0 {
		return errors.Newf("pulse.poll_interval_ms must be > 0, got %d", c.Pulse.PollIntervalMS)
	}
	if c.Pulse.OutboxBuffer <= 0 {
		return errors.Newf("pulse.outbox_buffer must be > 0, got %d", c.Pulse.OutboxBuffer)
	}
	if c.Pulse.RetentionHours < 0 {
		return errors.Newf("pulse.retention_hours must be >= 0, got %d", c.Pulse.RetentionHours)
	}
	if c.Pulse.SweepIntervalSeconds < 0 {
		return errors.Newf("pulse.sweep_interval_seconds must be >= 0, got %d", c.Pulse.SweepIntervalSeconds)
	}
	if c.Pulse.MaxClaimsPerSecond < 0 {
		return errors.Newf("pulse.max_claims_per_second must be >= 0, got %g", c.Pulse.MaxClaimsPerSecond)
	}

	if c.Segmentation.BaseURL == "" {
		return errors.New("segmentation.base_url cannot be empty")
	}
	if c.Segmentation.TimeoutSeconds <= 0 {
		return errors.Newf("segmentation.timeout_seconds must be > 0, got %d", c.Segmentation.TimeoutSeconds)
	}
	if c.Segmentation.RequestsPerSecond < 0 {
		return errors.Newf("segmentation.requests_per_second must be >= 0, got %f", c.Segmentation.RequestsPerSecond)
	}

	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.LocalRoot == "" {
			return errors.New("storage.local_root cannot be empty for the local backend")
		}
	case StorageMinio:
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			return errors.New("storage.minio.endpoint and storage.minio.bucket are required for the minio backend")
		}
	default:
		return errors.WithHint(
			errors.Newf("unknown storage.backend %q", c.Storage.Backend),
			"use \"local\" or \"minio\"")
	}

	if c.Export.SourceRoot == "" {
		return errors.New("export.source_root cannot be empty")
	}

	if c.Relay.RedisAddr != "" && c.Relay.Channel == "" {
		return errors.New("relay.channel cannot be empty when relay.redis_addr is set")
	}
	if c.Events.AMQPURL != "" && c.Events.Exchange == "" {
		return errors.New("events.exchange cannot be empty when events.amqp_url is set")
	}

	return nil
}
