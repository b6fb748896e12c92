package federated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCConfig configures an OIDC-backed Provider (Google-shaped: a
// discovery document, an id_token, and optionally a userinfo endpoint).
type OIDCConfig struct {
	Name         string // "google"
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// HostedDomain restricts acceptance to a single Google Workspace
	// domain via the non-standard "hd" claim/param. Empty disables it.
	HostedDomain string
}

// OIDCProvider wraps coreos/go-oidc/v3 discovery, ID-token verification,
// and the standard authorization-code exchange behind the Provider
// interface.
type OIDCProvider struct {
	name         string
	oauth2Config oauth2.Config
	provider     *oidc.Provider
	verifier     *oidc.IDTokenVerifier
	hostedDomain string
}

// NewOIDCProvider performs discovery against cfg.Issuer. ctx is used only
// for the discovery round-trip.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	p, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", cfg.Name, err)
	}

	scopes := []string{oidc.ScopeOpenID}
	if len(cfg.Scopes) > 0 {
		scopes = append(scopes, cfg.Scopes...)
	} else {
		scopes = append(scopes, "profile", "email")
	}

	return &OIDCProvider{
		name: cfg.Name,
		oauth2Config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     p.Endpoint(),
			Scopes:       scopes,
		},
		provider:     p,
		verifier:     p.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		hostedDomain: cfg.HostedDomain,
	}, nil
}

func (p *OIDCProvider) Name() string { return p.name }

func (p *OIDCProvider) AuthorizeURL(state, redirectURI string) string {
	cfg := p.oauth2Config
	cfg.RedirectURL = redirectURI
	if p.hostedDomain != "" {
		return cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("hd", p.hostedDomain))
	}
	return cfg.AuthCodeURL(state)
}

func (p *OIDCProvider) Exchange(ctx context.Context, code, redirectURI string) (Token, error) {
	cfg := p.oauth2Config
	cfg.RedirectURL = redirectURI

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return Token{}, fmt.Errorf("%s: token exchange: %w", p.name, err)
	}

	raw, err := json.Marshal(struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
	}{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      fmt.Sprint(tok.Extra("id_token")),
	})
	if err != nil {
		return Token{}, err
	}

	return Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Raw:          raw,
	}, nil
}

func (p *OIDCProvider) FetchIdentity(ctx context.Context, tok Token) (Identity, error) {
	var extra struct {
		IDToken string `json:"id_token"`
	}
	if err := json.Unmarshal(tok.Raw, &extra); err != nil {
		return Identity{}, err
	}
	if extra.IDToken == "" {
		return Identity{}, errors.New(p.name + ": no id_token in token response")
	}

	idToken, err := p.verifier.Verify(ctx, extra.IDToken)
	if err != nil {
		return Identity{}, fmt.Errorf("%s: verify id_token: %w", p.name, err)
	}

	var claims struct {
		Name          string `json:"name"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Picture       string `json:"picture"`
		HostedDomain  string `json:"hd"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("%s: decode claims: %w", p.name, err)
	}

	if p.hostedDomain != "" && claims.HostedDomain != p.hostedDomain {
		return Identity{}, fmt.Errorf("%s: unexpected hd claim %q", p.name, claims.HostedDomain)
	}

	identity := Identity{
		Subject:       idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		AvatarURL:     claims.Picture,
	}

	if identity.Email == "" {
		source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok.AccessToken})
		info, err := p.provider.UserInfo(ctx, source)
		if err == nil {
			identity.Email = info.Email
			identity.EmailVerified = info.EmailVerified
		}
	}

	return identity, nil
}
