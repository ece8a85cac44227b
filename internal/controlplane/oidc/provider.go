// Package oidc implements the authorization-code login flow against an
// external identity provider. Claims are reconciled into the local users
// store; IdP group claims become role bindings through the SCIM role map.
package oidc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	stateCookieName        = "praetor_oidc_state"
	stateCookieTTL         = 5 * time.Minute
	randomEntropyByteCount = 32
)

// SessionCookieName is the cookie the callback sets on successful login.
const SessionCookieName = "praetor_session"

// UserRecord is the subset of a user row OIDC login needs back.
type UserRecord struct {
	ID    string
	Email string
}

// UserReconciler upserts a user row from verified ID-token claims.
type UserReconciler interface {
	ReconcileOIDCUser(sub, email, displayName string, groups []string) (*UserRecord, error)
}

// SessionCreator mints a session token for a user id.
type SessionCreator interface {
	Create(userID string) (token string, err error)
}

// Provider handles OIDC login + callback processing.
type Provider struct {
	config   Config
	verifier *gooidc.IDTokenVerifier
	oauth2   oauth2.Config
	logger   *zap.Logger
}

type callbackState struct {
	State        string `json:"state"`
	Nonce        string `json:"nonce"`
	CodeVerifier string `json:"code_verifier"`
	ExpiresAt    int64  `json:"expires_at"`
}

// NewProvider builds an OIDC provider from config and discovery metadata.
func NewProvider(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	cfg = cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, errors.New("oidc disabled")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	discovery, err := gooidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}

	return &Provider{
		config: cfg,
		verifier: discovery.Verifier(&gooidc.Config{
			ClientID: cfg.ClientID,
		}),
		oauth2: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     discovery.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       append([]string{}, cfg.Scopes...),
		},
		logger: logger.Named("oidc"),
	}, nil
}

// Enabled returns true when the provider is configured and active.
func (p *Provider) Enabled() bool {
	return p != nil && p.config.Enabled
}

// ProviderName returns the display name used in the login UI.
func (p *Provider) ProviderName() string {
	if p == nil {
		return "OIDC"
	}
	return p.config.EffectiveProviderName()
}

// HandleLogin starts the auth code flow and redirects to the provider.
func (p *Provider) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if p == nil || !p.config.Enabled {
		http.NotFound(w, r)
		return
	}

	state, err := randomToken(randomEntropyByteCount)
	if err != nil {
		http.Error(w, "failed to start oidc login", http.StatusInternalServerError)
		return
	}
	nonce, err := randomToken(randomEntropyByteCount)
	if err != nil {
		http.Error(w, "failed to start oidc login", http.StatusInternalServerError)
		return
	}
	codeVerifier, err := randomToken(randomEntropyByteCount)
	if err != nil {
		http.Error(w, "failed to start oidc login", http.StatusInternalServerError)
		return
	}

	payload := callbackState{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: codeVerifier,
		ExpiresAt:    time.Now().Add(stateCookieTTL).Unix(),
	}
	encoded, err := encodeState(payload)
	if err != nil {
		http.Error(w, "failed to start oidc login", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    encoded,
		Path:     "/auth/oidc",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(stateCookieTTL.Seconds()),
		Expires:  time.Now().Add(stateCookieTTL),
	})

	authURL := p.oauth2.AuthCodeURL(state,
		oauth2.AccessTypeOnline,
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("code_challenge", pkceChallenge(codeVerifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback finishes login, reconciles the user, and creates a session.
func (p *Provider) HandleCallback(recon UserReconciler, sessions SessionCreator, sessionTTL time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p == nil || !p.config.Enabled {
			http.NotFound(w, r)
			return
		}
		if recon == nil || sessions == nil {
			http.Error(w, "oidc login unavailable", http.StatusServiceUnavailable)
			return
		}

		stateCookie, err := r.Cookie(stateCookieName)
		if err != nil || strings.TrimSpace(stateCookie.Value) == "" {
			http.Error(w, "missing oidc state", http.StatusUnauthorized)
			return
		}
		stored, err := decodeState(stateCookie.Value)
		if err != nil {
			http.Error(w, "invalid oidc state", http.StatusUnauthorized)
			return
		}
		if time.Now().Unix() > stored.ExpiresAt {
			http.Error(w, "oidc state expired", http.StatusUnauthorized)
			return
		}
		if got := strings.TrimSpace(r.URL.Query().Get("state")); got == "" || got != stored.State {
			http.Error(w, "invalid oidc state", http.StatusUnauthorized)
			return
		}

		clearStateCookie(w)

		code := strings.TrimSpace(r.URL.Query().Get("code"))
		if code == "" {
			http.Error(w, "missing authorization code", http.StatusBadRequest)
			return
		}

		tok, err := p.oauth2.Exchange(r.Context(), code,
			oauth2.SetAuthURLParam("code_verifier", stored.CodeVerifier),
		)
		if err != nil {
			http.Error(w, "oidc token exchange failed", http.StatusUnauthorized)
			return
		}

		rawIDToken, _ := tok.Extra("id_token").(string)
		if strings.TrimSpace(rawIDToken) == "" {
			http.Error(w, "oidc provider did not return id_token", http.StatusUnauthorized)
			return
		}

		idToken, err := p.verifier.Verify(r.Context(), rawIDToken)
		if err != nil {
			http.Error(w, "invalid oidc id_token", http.StatusUnauthorized)
			return
		}
		if strings.TrimSpace(idToken.Nonce) == "" || idToken.Nonce != stored.Nonce {
			http.Error(w, "invalid oidc nonce", http.StatusUnauthorized)
			return
		}

		claims := map[string]any{}
		if err := idToken.Claims(&claims); err != nil {
			http.Error(w, "invalid oidc claims", http.StatusUnauthorized)
			return
		}

		sub := strings.TrimSpace(claimString(claims, "sub"))
		if sub == "" {
			http.Error(w, "oidc subject claim missing", http.StatusUnauthorized)
			return
		}
		email := strings.TrimSpace(claimString(claims, "email"))
		name := strings.TrimSpace(claimString(claims, "name"))
		groups := claimStrings(claims, p.config.GroupsClaim)

		user, err := recon.ReconcileOIDCUser(sub, email, name, groups)
		if err != nil {
			p.logger.Warn("oidc user reconciliation failed", zap.String("sub", sub), zap.Error(err))
			http.Error(w, "oidc login rejected", http.StatusUnauthorized)
			return
		}

		sessionToken, err := sessions.Create(user.ID)
		if err != nil || strings.TrimSpace(sessionToken) == "" {
			http.Error(w, "failed to create session", http.StatusInternalServerError)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookieName,
			Value:    sessionToken,
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   int(sessionTTL.Seconds()),
			Expires:  time.Now().Add(sessionTTL),
		})
		http.Redirect(w, r, "/", http.StatusFound)
	}
}

func claimString(claims map[string]any, key string) string {
	v, _ := claims[key].(string)
	return v
}

func claimStrings(claims map[string]any, key string) []string {
	raw, ok := claims[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case []string:
		return v
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{strings.TrimSpace(v)}
	default:
		return nil
	}
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/auth/oidc",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
}

func encodeState(s callbackState) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeState(encoded string) (callbackState, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return callbackState{}, err
	}
	var s callbackState
	if err := json.Unmarshal(raw, &s); err != nil {
		return callbackState{}, err
	}
	return s, nil
}
