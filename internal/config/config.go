package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	// Path to the queue database file. The store owns PRAGMA tuning;
	// callers only supply the location.
	Path string
}

type WorkerConfig struct {
	// Strategy is one of fifo, lifo, priority, weighted.
	Strategy          string
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	// MaxClaimRate caps claim attempts per second. Throughput flattens
	// past roughly 4-6 concurrent claimers on one store file, so this
	// ships as a soft throttle rather than a hard worker limit.
	MaxClaimRate float64
}

type SweeperConfig struct {
	Interval       time.Duration
	StaleThreshold time.Duration
	BatchSize      int
}

type ServerConfig struct {
	Port string
	Env  string
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		log.Println("Failed to read config file .env, falling back to environment variables")
	}

	config := &Config{
		Database: DatabaseConfig{
			Path: viper.GetString("QUEUE_DB_PATH"),
		},
		Worker: WorkerConfig{
			Strategy:          viper.GetString("WORKER_STRATEGY"),
			LeaseDuration:     viper.GetDuration("WORKER_LEASE_DURATION"),
			HeartbeatInterval: viper.GetDuration("WORKER_HEARTBEAT_INTERVAL"),
			BackoffBase:       viper.GetDuration("WORKER_BACKOFF_BASE"),
			BackoffMultiplier: viper.GetFloat64("WORKER_BACKOFF_MULTIPLIER"),
			BackoffMax:        viper.GetDuration("WORKER_BACKOFF_MAX"),
			MaxClaimRate:      viper.GetFloat64("WORKER_MAX_CLAIM_RATE"),
		},
		Sweeper: SweeperConfig{
			Interval:       viper.GetDuration("SWEEPER_INTERVAL"),
			StaleThreshold: viper.GetDuration("SWEEPER_STALE_THRESHOLD"),
			BatchSize:      viper.GetInt("SWEEPER_BATCH_SIZE"),
		},
		Server: ServerConfig{
			Port: viper.GetString("PORT"),
			Env:  viper.GetString("ENV"),
		},
		Log: LogConfig{
			Level: viper.GetString("LOG_LEVEL"),
		},
	}

	return config, nil
}

func setDefaults() {
	viper.SetDefault("QUEUE_DB_PATH", "duraq.db")
	viper.SetDefault("WORKER_STRATEGY", "fifo")
	viper.SetDefault("WORKER_LEASE_DURATION", "30s")
	viper.SetDefault("WORKER_HEARTBEAT_INTERVAL", "5s")
	viper.SetDefault("WORKER_BACKOFF_BASE", "5s")
	viper.SetDefault("WORKER_BACKOFF_MULTIPLIER", 1.5)
	viper.SetDefault("WORKER_BACKOFF_MAX", "60s")
	viper.SetDefault("WORKER_MAX_CLAIM_RATE", 10.0)
	viper.SetDefault("SWEEPER_INTERVAL", "10s")
	viper.SetDefault("SWEEPER_STALE_THRESHOLD", "60s")
	viper.SetDefault("SWEEPER_BATCH_SIZE", 200)
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("ENV", "development")
	viper.SetDefault("LOG_LEVEL", "info")
}
