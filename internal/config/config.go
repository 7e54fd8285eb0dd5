package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Transfer struct {
		MaxConcurrent    int
		CoalesceWindow   time.Duration
		ProgressInterval time.Duration
		StagingDir       string
	}
	Storage struct {
		Region   string
		Endpoint string
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		JWTSecret string
	}
	Log struct {
		Level string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	// a missing .env is fine; existing environment variables win
	_ = gotenv.Load(".env")

	v := viper.New()
	v.SetEnvPrefix("TRANSFER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/transfer.db")
	v.SetDefault("transfer.maxconcurrent", 3)
	v.SetDefault("transfer.coalescewindow", 200*time.Millisecond)
	v.SetDefault("transfer.progressinterval", 50*time.Millisecond)
	v.SetDefault("transfer.stagingdir", "data/staging")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("log.level", "info")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Transfer.MaxConcurrent <= 0 {
		return Config{}, fmt.Errorf("transfer.maxconcurrent must be positive, got %d", cfg.Transfer.MaxConcurrent)
	}
	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		return Config{}, fmt.Errorf("log.level: %w", err)
	}

	return cfg, nil
}

// LogLevel is the parsed log.level; Load has already validated it.
func (c Config) LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
