package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/AutumnsGrove/groveauth/federated"
	"github.com/AutumnsGrove/groveauth/pkg/crypto"
	"github.com/AutumnsGrove/groveauth/pkg/log"
	"github.com/AutumnsGrove/groveauth/ratelimit"
	"github.com/AutumnsGrove/groveauth/storage"
	"github.com/AutumnsGrove/groveauth/storage/memory"
	storagesql "github.com/AutumnsGrove/groveauth/storage/sql"
	"github.com/AutumnsGrove/groveauth/token"
)

// Config is the top-level YAML shape read by the serve command. Unlike the
// multi-backend config this module descends from, GroveAuth speaks to one
// storage engine and has no connector plugin registry — providers and
// storage are both fixed, closed sets.
type Config struct {
	Issuer       string `json:"issuer"`
	CookieDomain string `json:"cookieDomain"`

	Storage StorageConfig `json:"storage"`

	SessionSecret string `json:"sessionSecret"`
	LegacyHMACKey string `json:"legacyHMACKey,omitempty"`

	StaticClients []StaticClient `json:"staticClients"`
	Allowlist     []string       `json:"allowlist"`

	Providers ProvidersConfig `json:"providers"`
	Mailer    MailerConfig    `json:"mailer"`

	PublicSignup bool `json:"publicSignup"`

	RotationStrategy RotationStrategyConfig `json:"rotationStrategy"`

	RateLimit RateLimitConfig `json:"rateLimit"`

	TrustedProxyHeader string `json:"trustedProxyHeader"`

	Logger    LoggerConfig    `json:"logger"`
	Web       WebConfig       `json:"web"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("invalid config: no issuer specified")
	}
	if c.CookieDomain == "" {
		return fmt.Errorf("invalid config: no cookieDomain specified")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("invalid config: no sessionSecret specified")
	}
	if c.Storage.Type == "" {
		return fmt.Errorf("invalid config: no storage type specified")
	}
	if c.Web.HTTP == "" && c.Web.HTTPS == "" {
		return fmt.Errorf("invalid config: must supply a HTTP/HTTPS address to listen on")
	}
	return nil
}

// StorageConfig selects and configures the persistence backend: Postgres
// for anything that outlives a process, or an in-memory store for tests
// and local development.
type StorageConfig struct {
	Type     string             `json:"type"` // "postgres" | "memory"
	Postgres *storagesql.Config `json:"postgres,omitempty"`
}

func (c StorageConfig) Open(logger log.Logger) (storage.Storage, error) {
	switch c.Type {
	case "memory":
		return memory.New(logger), nil
	case "postgres":
		if c.Postgres == nil {
			return nil, fmt.Errorf("storage type is postgres but no postgres config was given")
		}
		return storagesql.Open(*c.Postgres, logger)
	default:
		return nil, fmt.Errorf("unknown storage type %q", c.Type)
	}
}

// StaticClient registers one OAuth2 client application out of band. ID and
// Secret may instead be supplied via IDEnv/SecretEnv to keep credentials
// out of the YAML file itself.
type StaticClient struct {
	ID    string `json:"id"`
	IDEnv string `json:"idEnv,omitempty"`

	Name string `json:"name"`

	Secret    string `json:"secret,omitempty"`
	SecretEnv string `json:"secretEnv,omitempty"`
	Public    bool   `json:"public,omitempty"`

	RedirectURIs   []string `json:"redirectURIs"`
	AllowedOrigins []string `json:"allowedOrigins"`

	OwningDomain string `json:"owningDomain,omitempty"`
	IsInternal   bool   `json:"isInternal,omitempty"`
}

func (sc *StaticClient) resolve() error {
	if sc.Name == "" {
		return fmt.Errorf("invalid config: name field is required for a client")
	}
	if sc.ID == "" && sc.IDEnv == "" {
		return fmt.Errorf("invalid config: id or idEnv field is required for a client")
	}
	if sc.IDEnv != "" {
		if sc.ID != "" {
			return fmt.Errorf("invalid config: id and idEnv fields are exclusive for client %q", sc.Name)
		}
		sc.ID = os.Getenv(sc.IDEnv)
	}
	if sc.Secret == "" && sc.SecretEnv == "" && !sc.Public {
		return fmt.Errorf("invalid config: secret or secretEnv field is required for client %q", sc.ID)
	}
	if sc.SecretEnv != "" {
		if sc.Secret != "" {
			return fmt.Errorf("invalid config: secret and secretEnv fields are exclusive for client %q", sc.ID)
		}
		sc.Secret = os.Getenv(sc.SecretEnv)
	}
	return nil
}

// seedClients materializes the config's static clients and allowlist into
// db. CreateClient returning ErrAlreadyExists on a second run is swallowed:
// static clients are declarative, not one-shot migrations.
func seedClients(ctx context.Context, db storage.Storage, c *Config, logger log.Logger) error {
	for i := range c.StaticClients {
		if err := c.StaticClients[i].resolve(); err != nil {
			return err
		}
		sc := c.StaticClients[i]

		var secretHash string
		if !sc.Public && sc.Secret != "" {
			hashed, err := crypto.HashSecret(sc.Secret)
			if err != nil {
				return fmt.Errorf("hashing secret for client %q: %w", sc.ID, err)
			}
			secretHash = hashed
		}

		err := db.CreateClient(ctx, storage.Client{
			ID:             sc.ID,
			Name:           sc.Name,
			Secret:         secretHash,
			RedirectURIs:   sc.RedirectURIs,
			AllowedOrigins: sc.AllowedOrigins,
			OwningDomain:   sc.OwningDomain,
			IsInternal:     sc.IsInternal,
		})
		if err != nil && err != storage.ErrAlreadyExists {
			return fmt.Errorf("creating client %q: %w", sc.ID, err)
		}
		logger.Infof("config static client: %s", sc.Name)
	}

	for _, email := range c.Allowlist {
		if err := db.AddAllowlistEntry(ctx, email); err != nil && err != storage.ErrAlreadyExists {
			return fmt.Errorf("adding allowlist entry %q: %w", email, err)
		}
	}
	return nil
}

// ProvidersConfig is the closed set of federated login providers GroveAuth
// understands: one OIDC-shaped (Google) and one plain-OAuth2 REST-shaped
// (GitHub), matching federated.NewOIDCProvider/NewGitHubProvider.
type ProvidersConfig struct {
	Google *GoogleConfig `json:"google,omitempty"`
	GitHub *GitHubConfig `json:"github,omitempty"`
}

type GoogleConfig struct {
	ClientID        string `json:"clientID"`
	ClientIDEnv     string `json:"clientIDEnv,omitempty"`
	ClientSecret    string `json:"clientSecret"`
	ClientSecretEnv string `json:"clientSecretEnv,omitempty"`
	HostedDomain    string `json:"hostedDomain,omitempty"`
}

type GitHubConfig struct {
	ClientID        string `json:"clientID"`
	ClientIDEnv     string `json:"clientIDEnv,omitempty"`
	ClientSecret    string `json:"clientSecret"`
	ClientSecretEnv string `json:"clientSecretEnv,omitempty"`
}

func resolvePair(id, idEnv, secret, secretEnv string) (string, string) {
	if idEnv != "" {
		id = os.Getenv(idEnv)
	}
	if secretEnv != "" {
		secret = os.Getenv(secretEnv)
	}
	return id, secret
}

func (p ProvidersConfig) Build(ctx context.Context) ([]federated.Provider, error) {
	var providers []federated.Provider

	if p.Google != nil {
		id, secret := resolvePair(p.Google.ClientID, p.Google.ClientIDEnv, p.Google.ClientSecret, p.Google.ClientSecretEnv)
		google, err := federated.NewOIDCProvider(ctx, federated.OIDCConfig{
			Name:         "google",
			Issuer:       "https://accounts.google.com",
			ClientID:     id,
			ClientSecret: secret,
			HostedDomain: p.Google.HostedDomain,
		})
		if err != nil {
			return nil, fmt.Errorf("google provider: %w", err)
		}
		providers = append(providers, google)
	}

	if p.GitHub != nil {
		id, secret := resolvePair(p.GitHub.ClientID, p.GitHub.ClientIDEnv, p.GitHub.ClientSecret, p.GitHub.ClientSecretEnv)
		providers = append(providers, federated.NewGitHubProvider(federated.OAuth2Config{
			Name:         "github",
			ClientID:     id,
			ClientSecret: secret,
		}))
	}

	return providers, nil
}

// MailerConfig is the closed set of magic-code transports: SMTP, or none
// (logged only, for local development).
type MailerConfig struct {
	SMTP *SMTPConfig `json:"smtp,omitempty"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
}

func (m MailerConfig) Build(logger log.Logger) Mailer {
	if m.SMTP != nil {
		return newSMTPMailer(*m.SMTP)
	}
	return newLoggingMailer(logger)
}

// RotationStrategyConfig controls how often signing keys turn over.
// Zero values defer to token.DefaultRotationStrategy().
type RotationStrategyConfig struct {
	Frequency      string `json:"frequency,omitempty"`
	VerifyValidFor string `json:"verifyValidFor,omitempty"`
}

func (r RotationStrategyConfig) Build() (token.RotationStrategy, error) {
	strategy := token.DefaultRotationStrategy()
	if r.Frequency != "" {
		d, err := time.ParseDuration(r.Frequency)
		if err != nil {
			return token.RotationStrategy{}, fmt.Errorf("invalid rotationStrategy.frequency: %w", err)
		}
		strategy.Frequency = d
	}
	if r.VerifyValidFor != "" {
		d, err := time.ParseDuration(r.VerifyValidFor)
		if err != nil {
			return token.RotationStrategy{}, fmt.Errorf("invalid rotationStrategy.verifyValidFor: %w", err)
		}
		strategy.VerifyValidFor = d
	}
	return strategy, nil
}

// RateLimitConfig selects the Checker backing Server.Config.RateLimiter.
// Redis is opt-in: most deployments run a single replica and are fine with
// the default storage-backed counters.
type RateLimitConfig struct {
	Redis *ratelimit.RedisConfig `json:"redis,omitempty"`
}

func (r RateLimitConfig) Build(ctx context.Context) (ratelimit.Checker, error) {
	if r.Redis == nil {
		return nil, nil
	}
	return ratelimit.NewRedisLimiter(ctx, *r.Redis)
}

type LoggerConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type WebConfig struct {
	HTTP    string `json:"http"`
	HTTPS   string `json:"https"`
	TLSCert string `json:"tlsCert"`
	TLSKey  string `json:"tlsKey"`
}

type TelemetryConfig struct {
	HTTP string `json:"http"`
}
