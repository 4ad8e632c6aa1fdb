package config

import (
	"fmt"
	"net/url"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	appErr "github.com/prestabanco/backend/pkg/errors"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv     string `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	AppName    string `mapstructure:"APP_NAME" validate:"required"`
	AppVersion string `mapstructure:"APP_VERSION"`

	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	// UpstreamURL is the loan backend the edge forwards application traffic to.
	UpstreamURL string `mapstructure:"UPSTREAM_URL" validate:"omitempty,url"`

	CORSAllowedOrigins   []string      `mapstructure:"CORS_ALLOWED_ORIGINS" validate:"required,min=1,dive,origin"`
	CORSAllowedMethods   []string      `mapstructure:"CORS_ALLOWED_METHODS" validate:"required,min=1,dive,required,alpha"`
	CORSAllowedHeaders   []string      `mapstructure:"CORS_ALLOWED_HEADERS" validate:"dive,required"`
	CORSExposedHeaders   []string      `mapstructure:"CORS_EXPOSED_HEADERS" validate:"dive,required"`
	CORSAllowCredentials bool          `mapstructure:"CORS_ALLOW_CREDENTIALS"`
	CORSMaxAge           time.Duration `mapstructure:"CORS_MAX_AGE" validate:"gte=0"`

	CSRFIgnoredPaths    []string `mapstructure:"CSRF_IGNORED_PATHS" validate:"dive,startswith=/"`
	CSRFCookieSecure    bool     `mapstructure:"CSRF_COOKIE_SECURE"`
	SecurityPublicPaths []string `mapstructure:"SECURITY_PUBLIC_PATHS" validate:"dive,startswith=/"`

	// JWTSecret enables bearer authentication when set. Empty means no
	// authentication mechanism, so protected paths are never reachable.
	JWTSecret string `mapstructure:"JWT_SECRET" validate:"omitempty,min=32"`

	BcryptCost           int `mapstructure:"BCRYPT_COST" validate:"gte=4,lte=31"`
	BcryptMaxConcurrency int `mapstructure:"BCRYPT_MAX_CONCURRENCY" validate:"gte=0,lte=1024"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS" validate:"gte=0"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST" validate:"gte=0"`
	// TrustedProxies are the IPs or CIDRs whose X-Forwarded-For is believed
	// when keying the rate limiter. Empty means the peer address is the client.
	TrustedProxies []string `mapstructure:"TRUSTED_PROXIES" validate:"dive,cidr|ip"`

	// OTLPEndpoint receives traces when set, e.g. http://otel-collector:4317.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT" validate:"omitempty,url"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`
}

var (
	cfg      *Config
	validate = newValidator()

	keys = []string{
		"APP_ENV",
		"APP_NAME",
		"APP_VERSION",
		"HTTP_ADDR",
		"SHUTDOWN_TIMEOUT",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"UPSTREAM_URL",
		"CORS_ALLOWED_ORIGINS",
		"CORS_ALLOWED_METHODS",
		"CORS_ALLOWED_HEADERS",
		"CORS_EXPOSED_HEADERS",
		"CORS_ALLOW_CREDENTIALS",
		"CORS_MAX_AGE",
		"CSRF_IGNORED_PATHS",
		"CSRF_COOKIE_SECURE",
		"SECURITY_PUBLIC_PATHS",
		"JWT_SECRET",
		"BCRYPT_COST",
		"BCRYPT_MAX_CONCURRENCY",
		"RATE_LIMIT_RPS",
		"RATE_LIMIT_BURST",
		"TRUSTED_PROXIES",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"GOMAXPROCS",
	}
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("origin", func(fl validator.FieldLevel) bool {
		return IsOrigin(fl.Field().String())
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		c := sl.Current().Interface().(Config)
		if c.CORSAllowCredentials && slices.Contains(c.CORSAllowedOrigins, "*") {
			sl.ReportError(c.CORSAllowedOrigins, "CORSAllowedOrigins", "CORSAllowedOrigins", "nowildcardwithcredentials", "")
		}
		// A token bucket of size zero refuses every request.
		if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
			sl.ReportError(c.RateLimitBurst, "RateLimitBurst", "RateLimitBurst", "burstwithrate", "")
		}
	}, Config{})
	return v
}

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	setDefaults(v)

	// Optional config file
	_ = v.ReadInConfig()

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "config unmarshal error")
	}

	// Lists and durations may arrive as plain strings from the environment.
	lists := map[string]*[]string{
		"CORS_ALLOWED_ORIGINS":  &c.CORSAllowedOrigins,
		"CORS_ALLOWED_METHODS":  &c.CORSAllowedMethods,
		"CORS_ALLOWED_HEADERS":  &c.CORSAllowedHeaders,
		"CORS_EXPOSED_HEADERS":  &c.CORSExposedHeaders,
		"CSRF_IGNORED_PATHS":    &c.CSRFIgnoredPaths,
		"SECURITY_PUBLIC_PATHS": &c.SecurityPublicPaths,
		"TRUSTED_PROXIES":       &c.TrustedProxies,
	}
	for key, dst := range lists {
		*dst = stringList(v.Get(key))
	}
	durations := map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT": &c.ShutdownTimeout,
		"CORS_MAX_AGE":     &c.CORSMaxAge,
	}
	for key, dst := range durations {
		s := v.GetString(key)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInvalid, "invalid "+key)
		}
		*dst = d
	}
	for i, m := range c.CORSAllowedMethods {
		c.CORSAllowedMethods[i] = strings.ToUpper(m)
	}

	if err := validate.Struct(&c); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "invalid configuration")
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "prestabanco-backend")
	v.SetDefault("APP_VERSION", "dev")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8090")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:8070,http://host.docker.internal:8070,*")
	v.SetDefault("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS,PATCH")
	v.SetDefault("CORS_ALLOWED_HEADERS", "*")
	v.SetDefault("CORS_EXPOSED_HEADERS", "")
	v.SetDefault("CORS_ALLOW_CREDENTIALS", false)
	v.SetDefault("CORS_MAX_AGE", "30m")
	v.SetDefault("CSRF_IGNORED_PATHS", "/api/**,/actuator/**")
	v.SetDefault("CSRF_COOKIE_SECURE", false)
	v.SetDefault("SECURITY_PUBLIC_PATHS", "/api/**,/actuator/**")
	v.SetDefault("BCRYPT_COST", 10)
	v.SetDefault("BCRYPT_MAX_CONCURRENCY", 0)
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("TRUSTED_PROXIES", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("GOMAXPROCS", 0)
}

// stringList accepts a comma separated string or a YAML list.
func stringList(raw any) []string {
	var parts []string
	switch val := raw.(type) {
	case string:
		parts = strings.Split(val, ",")
	case []string:
		parts = val
	case []any:
		for _, p := range val {
			parts = append(parts, fmt.Sprint(p))
		}
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsOrigin reports whether s is "*" or a serialized origin: scheme://host[:port]
// with nothing after the authority.
func IsOrigin(s string) bool {
	if s == "*" {
		return true
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != "" && u.User == nil &&
		u.Path == "" && u.RawQuery == "" && u.Fragment == "" && !u.ForceQuery
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}
