package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the monitor service.
type Config struct {
	LogLevel       string
	KafkaBrokers   string
	RedisAddr      string
	PostgresDSN    string
	StaleCheck     time.Duration
	StaleThreshold time.Duration
	OrphanCheck    time.Duration
	OrphanGrace    time.Duration
	TimeoutCheck   time.Duration
	DispatchCheck  time.Duration
	DispatchGrace  time.Duration
	MetricsAddr    string
	OTelEndpoint   string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:       v.GetString("log_level"),
		KafkaBrokers:   v.GetString("kafka_brokers"),
		RedisAddr:      v.GetString("redis_addr"),
		PostgresDSN:    v.GetString("postgres_dsn"),
		StaleCheck:     v.GetDuration("stale_check_interval"),
		StaleThreshold: v.GetDuration("stale_threshold"),
		OrphanCheck:    v.GetDuration("orphan_check_interval"),
		OrphanGrace:    v.GetDuration("orphan_grace_period"),
		TimeoutCheck:   v.GetDuration("timeout_check_interval"),
		DispatchCheck:  v.GetDuration("dispatch_check_interval"),
		DispatchGrace:  v.GetDuration("dispatch_grace_period"),
		MetricsAddr:    v.GetString("metrics_addr"),
		OTelEndpoint:   v.GetString("otel_endpoint"),
	}
}
