package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

const envPrefix = "HIVECHAT_"

type Config struct {
	ServerURL    string `env:"SERVER_URL" envDefault:"http://localhost:8080" validate:"required,url"`
	Token        string `env:"TOKEN" validate:"required"`
	UserID       string `env:"USER_ID" validate:"required"`
	Username     string `env:"USERNAME"`
	Conversation string `env:"CONVERSATION"`

	CacheTimeout   time.Duration `env:"CACHE_TIMEOUT" envDefault:"5m" validate:"gt=0"`
	TypingDecay    time.Duration `env:"TYPING_DECAY" envDefault:"5s" validate:"gt=0"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s" validate:"gt=0"`

	RequestsPerSecond float64 `env:"REQUESTS_PER_SECOND" envDefault:"10" validate:"gte=0"`
	Burst             int     `env:"BURST" envDefault:"20" validate:"gte=1"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn warning error"`
	MetricsAddr string `env:"METRICS_ADDR" validate:"omitempty,hostname_port"`
}

// LoadFromEnv reads HIVECHAT_* variables over the defaults. It does not
// validate; call Validate once flags have been applied.
func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return errors.New("invalid config: " + strings.Join(msgs, ", "))
}
