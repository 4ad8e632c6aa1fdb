package security

import (
	"go.uber.org/zap"

	"github.com/prestabanco/backend/internal/metrics"
	"github.com/prestabanco/backend/internal/security/access"
	"github.com/prestabanco/backend/internal/security/auth"
	"github.com/prestabanco/backend/internal/security/cors"
	"github.com/prestabanco/backend/internal/security/csrf"
	"github.com/prestabanco/backend/internal/security/password"
	"github.com/prestabanco/backend/pkg/config"
	appErr "github.com/prestabanco/backend/pkg/errors"
)

// FromConfig builds the chain described by cfg. Every error is a
// configuration error and should stop the process.
func FromConfig(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*Chain, error) {
	var corsOpts []cors.Option
	var csrfOpts []csrf.Option
	if m != nil {
		corsOpts = append(corsOpts, cors.WithObserver(func(d cors.Decision) {
			m.ObserveSecurity(metrics.ComponentCORS, outcome(d.Allowed))
		}))
		csrfOpts = append(csrfOpts, csrf.WithObserver(func(ok bool) {
			m.ObserveSecurity(metrics.ComponentCSRF, outcome(ok))
		}))
	}

	policy, err := cors.NewPolicy(cors.Config{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   cfg.CORSAllowedMethods,
		AllowedHeaders:   cfg.CORSAllowedHeaders,
		ExposedHeaders:   cfg.CORSExposedHeaders,
		AllowCredentials: cfg.CORSAllowCredentials,
		MaxAge:           cfg.CORSMaxAge,
	}, corsOpts...)
	if err != nil {
		return nil, err
	}

	protector, err := csrf.New(csrf.Config{
		IgnoredPaths: cfg.CSRFIgnoredPaths,
		CookieSecure: cfg.CSRFCookieSecure,
	}, csrfOpts...)
	if err != nil {
		return nil, err
	}

	rules, err := access.DefaultRules(cfg.SecurityPublicPaths)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "security: invalid public path")
	}

	var authn auth.Authenticator
	if cfg.JWTSecret != "" {
		authn = auth.NewJWTAuthenticator([]byte(cfg.JWTSecret))
	}

	return NewChain(Options{
		CORS:          policy,
		CSRF:          protector,
		Rules:         rules,
		Authenticator: authn,
		Logger:        log,
		Metrics:       m,
	})
}

// PasswordEncoderFromConfig returns the bcrypt encoder the application
// layer stores credentials with.
func PasswordEncoderFromConfig(cfg *config.Config) (*password.Limited, error) {
	enc, err := password.NewBCrypt(cfg.BcryptCost)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "security: invalid bcrypt cost")
	}
	return password.NewLimited(enc, cfg.BcryptMaxConcurrency), nil
}

func outcome(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "rejected"
}
