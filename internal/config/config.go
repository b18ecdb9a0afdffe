package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Log        LogConfig        `mapstructure:"log"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Withdrawal WithdrawalConfig `mapstructure:"withdrawal"`
	Credits    CreditsConfig    `mapstructure:"credits"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type JWTConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type LogConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

type WorkerConfig struct {
	MaxWorkers    int    `mapstructure:"max_workers"`
	BackendURL    string `mapstructure:"backend_url"`
	CallbackToken string `mapstructure:"callback_token"`
}

type WithdrawalConfig struct {
	MinimumAmount int64 `mapstructure:"minimum_amount"`
}

type CreditsConfig struct {
	SignupBonus int64 `mapstructure:"signup_bonus"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config.yaml from path (optional) and environment variables
// prefixed with OSIRIX (e.g. OSIRIX_DATABASE_URL). Env vars win.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("jwt.token_ttl", 24*time.Hour)
	v.SetDefault("log.format", "text")
	v.SetDefault("log.level", "info")
	v.SetDefault("worker.max_workers", 10)
	v.SetDefault("withdrawal.minimum_amount", 1000)
	v.SetDefault("credits.signup_bonus", 100)
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})

	v.SetEnvPrefix("OSIRIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required (OSIRIX_DATABASE_URL)")
	}
	if cfg.JWT.Secret == "" {
		return nil, errors.New("jwt.secret is required (OSIRIX_JWT_SECRET)")
	}
	return cfg, nil
}
