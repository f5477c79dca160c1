package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrMissingJWTSecret is returned by Validate when no signing secret is configured.
var ErrMissingJWTSecret = errors.New("auth.jwtsecret (CRATER_AUTH_JWTSECRET) is required")

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr           string
		Mode           string
		AllowedOrigins []string
		// TrustedProxies lists proxy CIDRs whose forwarding headers are honored.
		TrustedProxies []string
	}
	Database struct {
		Path string
	}
	Auth struct {
		JWTSecret      string
		TokenTTL       time.Duration
		OTPTTL         time.Duration
		OTPGrace       time.Duration
		OTPMaxAttempts int
		BcryptCost     int
		RateLimit      float64
		RateBurst      int
	}
	Uploads struct {
		Dir      string
		MaxBytes int64
	}
	Storage struct {
		Backend   string
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Inference struct {
		BaseURL string
		Timeout time.Duration
	}
	Mail struct {
		Host     string
		Port     int
		Username string
		Password string
		From     string
	}
}

// Development reports whether diagnostics may be exposed to clients.
func (c Config) Development() bool {
	return !strings.EqualFold(c.Server.Mode, "production")
}

// Validate checks settings that have no usable default.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return ErrMissingJWTSecret
	}
	switch c.Storage.Backend {
	case "local":
	case "s3":
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// Load reads configuration from environment variables and optional config files.
// Variables from .env never override ones already set in the environment.
func Load() (Config, error) {
	_ = godotenv.Load() // optional file

	v := viper.New()
	v.SetEnvPrefix("CRATER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:5000")
	v.SetDefault("server.mode", "development")
	v.SetDefault("server.allowedorigins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("server.trustedproxies", []string{})
	v.SetDefault("database.path", "data/crater.db")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.tokenttl", "168h")
	v.SetDefault("auth.otpttl", "5m")
	v.SetDefault("auth.otpgrace", "10m")
	v.SetDefault("auth.otpmaxattempts", 5)
	v.SetDefault("auth.bcryptcost", 10)
	v.SetDefault("auth.ratelimit", 1.0)
	v.SetDefault("auth.rateburst", 5)
	v.SetDefault("uploads.dir", "uploads")
	v.SetDefault("uploads.maxbytes", 10<<20)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "uploads")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("inference.baseurl", "http://localhost:8000")
	v.SetDefault("inference.timeout", "30s")
	v.SetDefault("mail.host", "")
	v.SetDefault("mail.port", 587)
	v.SetDefault("mail.username", "")
	v.SetDefault("mail.password", "")
	v.SetDefault("mail.from", "")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))

	return cfg, nil
}
