package config

import (
	"github.com/spf13/viper"
)

// Config holds typed configuration for the API service.
type Config struct {
	LogLevel            string
	HTTPPort            string
	MetricsAddr         string
	KafkaBrokers        string
	RedisAddr           string
	PostgresDSN         string
	MaxConcurrentJobs   int
	MaxAgents           int
	PackageCatalogFile  string
	OTelEndpoint        string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:            v.GetString("log_level"),
		HTTPPort:            v.GetString("http_port"),
		MetricsAddr:         v.GetString("metrics_addr"),
		KafkaBrokers:        v.GetString("kafka_brokers"),
		RedisAddr:           v.GetString("redis_addr"),
		PostgresDSN:         v.GetString("postgres_dsn"),
		MaxConcurrentJobs:   v.GetInt("max_concurrent_jobs"),
		MaxAgents:           v.GetInt("max_agents"),
		PackageCatalogFile:  v.GetString("package_catalog_file"),
		OTelEndpoint:        v.GetString("otel_endpoint"),
	}
}
