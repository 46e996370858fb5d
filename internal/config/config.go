// Package config loads daemon settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/actionrelay/internal/actionqueue"
)

const Prefix = "ACTIONRELAY"

type Config struct {
	Env       string `envconfig:"ENV" default:"development"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`

	StoreDSN   string `envconfig:"STORE_DSN" default:"file://data/actionrelay.json" validate:"required"`
	StorageKey string `envconfig:"STORAGE_KEY" default:"actionqueue/pending" validate:"required"`

	BackendURL    string        `envconfig:"BACKEND_URL" validate:"required,url"`
	BackendToken  string        `envconfig:"BACKEND_TOKEN"`
	SubmitTimeout time.Duration `envconfig:"SUBMIT_TIMEOUT" default:"15s" validate:"gt=0"`

	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" default:"8" validate:"min=1"`
	BaseDelay   time.Duration `envconfig:"BASE_DELAY" default:"500ms" validate:"gt=0"`
	MaxDelay    time.Duration `envconfig:"MAX_DELAY" default:"5m" validate:"gtefield=BaseDelay"`
	Capacity    int           `envconfig:"CAPACITY" default:"1024" validate:"min=1"`
	DedupWindow time.Duration `envconfig:"DEDUP_WINDOW" default:"10m" validate:"gt=0"`

	Connectivity     string        `envconfig:"CONNECTIVITY" default:"probe" validate:"oneof=probe websocket marker manual"`
	HealthPath       string        `envconfig:"HEALTH_PATH" default:"/health"`
	ProbeInterval    time.Duration `envconfig:"PROBE_INTERVAL" default:"5s" validate:"gt=0"`
	ProbeJitter      float64       `envconfig:"PROBE_JITTER" default:"0.2" validate:"gte=0,lte=1"`
	FailureThreshold int           `envconfig:"FAILURE_THRESHOLD" default:"2" validate:"min=1"`
	WebSocketURL     string        `envconfig:"WEBSOCKET_URL" validate:"required_if=Connectivity websocket,omitempty,url"`
	MarkerPath       string        `envconfig:"MARKER_PATH" validate:"required_if=Connectivity marker"`

	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8787"`
	JWTSecret       string        `envconfig:"JWT_SECRET"`
	MaxBodyBytes    int64         `envconfig:"MAX_BODY_BYTES" default:"1048576" validate:"min=1"`
	RateLimitMax    int           `envconfig:"RATE_LIMIT_MAX" default:"0" validate:"min=0"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m" validate:"gt=0"`
}

func (c Config) Production() bool {
	env := strings.ToLower(strings.TrimSpace(c.Env))
	return env == "production" || env == "prod"
}

// Load reads .env files (outside production) and then the ACTIONRELAY_*
// environment. Variables already set in the environment win over .env values.
func Load(envFiles ...string) (Config, error) {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(Prefix + "_ENV")))
	if env != "production" && env != "prod" {
		if len(envFiles) == 0 {
			envFiles = []string{".env"}
		}
		for _, file := range envFiles {
			if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logrus.Warnf("unable to load %s file: %v", file, err)
			}
		}
	}
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterStructValidation(validateBackoffCeiling, Config{})
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// validateBackoffCeiling rejects settings where MaxDelay clamps the backoff
// before MaxAttempts is reached, so retry delays keep growing until an action
// is given up on.
func validateBackoffCeiling(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	if c.MaxAttempts < 1 || c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		return
	}
	backoff := actionqueue.Backoff{Base: c.BaseDelay, Max: c.MaxDelay}
	if err := backoff.CheckCeiling(c.MaxAttempts); err != nil {
		sl.ReportError(c.MaxDelay, "MaxDelay", "MaxDelay", "backoffceiling", c.BaseDelay.String())
	}
}
