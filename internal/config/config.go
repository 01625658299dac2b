package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// requiredVars must be present and non-empty for the sidecar to start.
var requiredVars = []string{"DB_HOST", "DB_PORT", "DB_NAME", "DB_USERNAME", "DB_PASSWORD"}

// DatabaseConfig describes the single database target. It is not modified after Load.
type DatabaseConfig struct {
	Host           string `env:"DB_HOST"`
	Port           int    `env:"DB_PORT" validate:"min=1,max=65535"`
	Database       string `env:"DB_NAME"`
	Username       string `env:"DB_USERNAME"`
	Password       string `env:"DB_PASSWORD"`
	SSLMode        string `env:"DB_SSLMODE" envDefault:"require" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	ConnectTimeout int    `env:"DB_CONNECT_TIMEOUT" envDefault:"10" validate:"min=1"`
}

// Target returns host:port/database. It is safe to log.
func (d DatabaseConfig) Target() string {
	return fmt.Sprintf("%s/%s", d.HostPort(), d.Database)
}

func (d DatabaseConfig) HostPort() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// String never includes the password.
func (d DatabaseConfig) String() string {
	return fmt.Sprintf("postgres://%s@%s?sslmode=%s", d.Username, d.Target(), d.SSLMode)
}

func (d DatabaseConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("target", d.Target()),
		slog.String("user", d.Username),
		slog.String("sslmode", d.SSLMode),
	)
}

type PoolConfig struct {
	MinSize        int           `env:"DB_POOL_MIN" envDefault:"1" validate:"min=1"`
	MaxSize        int           `env:"DB_POOL_MAX" envDefault:"5" validate:"min=1,gtefield=MinSize"`
	AcquireTimeout time.Duration `env:"DB_ACQUIRE_TIMEOUT" envDefault:"5s" validate:"min=0"`
	QueryTimeout   time.Duration `env:"DB_QUERY_TIMEOUT" envDefault:"0s" validate:"min=0"`
}

type AppConfig struct {
	AppHost           string        `env:"APP_HOST" envDefault:"127.0.0.1"`
	AppPort           string        `env:"APP_PORT"`
	RequestTimeout    time.Duration `env:"APP_REQUEST_TIMEOUT" envDefault:"30s" validate:"min=0"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s" validate:"gt=0"`
	SampleQueries     bool          `env:"SAMPLE_QUERIES" envDefault:"true"`
}

// Addr is the HTTP listen address.
func (a AppConfig) Addr() string {
	return net.JoinHostPort(a.AppHost, a.AppPort)
}

// HTTPEnabled reports whether the HTTP query interface should be served.
func (a AppConfig) HTTPEnabled() bool {
	return a.AppPort != ""
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	Format string `env:"LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`
	File   string `env:"LOG_FILE"`
}

type EventsConfig struct {
	Provider string `env:"EVENTS_PROVIDER" validate:"omitempty,oneof=NONE RABBITMQ"`
	AMQPURI  string `env:"RABBITMQ_AMQP_URI" validate:"required_if=Provider RABBITMQ"`
	Exchange string `env:"EVENTS_EXCHANGE" envDefault:"sidecart.events" validate:"required"`
}

type Config struct {
	Database DatabaseConfig
	Pool     PoolConfig
	App      AppConfig
	Log      LogConfig
	Events   EventsConfig
}

// Error reports every missing or malformed setting found while loading.
type Error struct {
	Missing []string
	Invalid []string
	Err     error

	reasons []string
}

func (e *Error) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required environment variables: "+strings.Join(e.Missing, ", "))
	}
	if len(e.reasons) > 0 {
		parts = append(parts, "invalid environment variables: "+strings.Join(e.reasons, ", "))
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if len(parts) == 0 {
		return "invalid configuration"
	}
	return strings.Join(parts, "; ")
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) empty() bool {
	return len(e.Missing) == 0 && len(e.Invalid) == 0 && e.Err == nil
}

func (e *Error) invalid(name, reason string) {
	e.Invalid = append(e.Invalid, name)
	e.reasons = append(e.reasons, name+" "+reason)
}

// LoadFromEnv builds the configuration from an environment map such as
// env.ToMap(os.Environ()). On failure it returns a *Error and a zero Config.
func LoadFromEnv(environ map[string]string) (Config, error) {
	cerr := &Error{}
	for _, name := range requiredVars {
		if environ[name] == "" {
			cerr.Missing = append(cerr.Missing, name)
		}
	}
	sort.Strings(cerr.Missing)

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		cerr.Err = fmt.Errorf("parse environment: %w", err)
		return Config{}, cerr
	}

	if cfg.Database.Password != "" {
		password, err := resolveSecret(cfg.Database.Password)
		if err != nil {
			cerr.invalid("DB_PASSWORD", err.Error())
		}
		cfg.Database.Password = password
	}

	if err := newValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			cerr.Err = err
			return Config{}, cerr
		}
		for _, fe := range verrs {
			if isMissing(cerr.Missing, fe.Field()) {
				continue
			}
			reason := "failed " + fe.Tag()
			if fe.Param() != "" {
				reason += "=" + fe.Param()
			}
			cerr.invalid(fe.Field(), reason)
		}
	}

	if !cerr.empty() {
		return Config{}, cerr
	}
	return cfg, nil
}

func isMissing(missing []string, name string) bool {
	for _, m := range missing {
		if m == name {
			return true
		}
	}
	return false
}

// newValidator reports fields by their environment variable name.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("env"), ",", 2)[0]
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// resolveSecret supports "file:/absolute/path" for mounted secrets; any other
// value is used as-is.
func resolveSecret(value string) (string, error) {
	if !strings.HasPrefix(value, "file:") {
		return value, nil
	}
	path := strings.TrimPrefix(value, "file:")
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("secret file path must be absolute")
	}
	// #nosec G304 - the path comes from operator configuration
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	secret := strings.TrimSpace(string(content))
	if secret == "" {
		return "", fmt.Errorf("secret file is empty")
	}
	return secret, nil
}
