package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "segpulse.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("server.max_clients", 1000)
	v.SetDefault("server.node_id", "")

	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.poll_interval_ms", 500)
	v.SetDefault("pulse.outbox_buffer", 1024)
	v.SetDefault("pulse.retention_hours", 24*7)
	v.SetDefault("pulse.sweep_interval_seconds", 3600)
	v.SetDefault("pulse.max_claims_per_second", 0.0)

	v.SetDefault("segmentation.base_url", "http://localhost:8000")
	v.SetDefault("segmentation.timeout_seconds", 300)
	v.SetDefault("segmentation.requests_per_second", 4.0)
	v.SetDefault("segmentation.burst", 4)

	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.local_root", "artifacts")
	v.SetDefault("storage.minio.bucket", "segpulse-artifacts")

	v.SetDefault("relay.channel", "segpulse:hub")
	v.SetDefault("events.exchange", "segpulse.jobs")
	v.SetDefault("export.source_root", "data")
	v.SetDefault("export.work_dir", "")
}
