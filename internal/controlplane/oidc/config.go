package oidc

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Config controls optional OIDC login for the control plane.
type Config struct {
	Enabled      bool     `json:"enabled"`
	Issuer       string   `json:"issuer,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	RedirectURL  string   `json:"redirect_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	// GroupsClaim names the ID-token claim carrying IdP group membership.
	GroupsClaim string `json:"groups_claim,omitempty"`
	// ProviderName is the display name used on the login page.
	ProviderName string `json:"provider_name,omitempty"`
}

// DefaultConfig returns a secure-by-default (disabled) OIDC config.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Scopes:      []string{"openid", "email", "profile", "groups"},
		GroupsClaim: "groups",
	}
}

// ApplyEnv overlays OIDC_* environment variables onto cfg.
func ApplyEnv(cfg Config) Config {
	cfg = cfg.normalize()

	if v, ok := envBool("OIDC_ENABLED"); ok {
		cfg.Enabled = v
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_ISSUER")); v != "" {
		cfg.Issuer = v
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_CLIENT_ID")); v != "" {
		cfg.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_CLIENT_SECRET")); v != "" {
		cfg.ClientSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_REDIRECT_URL")); v != "" {
		cfg.RedirectURL = v
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_SCOPES")); v != "" {
		cfg.Scopes = parseCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_GROUPS_CLAIM")); v != "" {
		cfg.GroupsClaim = v
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_PROVIDER_NAME")); v != "" {
		cfg.ProviderName = v
	}

	return cfg.normalize()
}

// Validate checks required settings when OIDC is enabled.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	missing := make([]string, 0, 4)
	if strings.TrimSpace(c.Issuer) == "" {
		missing = append(missing, "issuer")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		missing = append(missing, "client_id")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		missing = append(missing, "client_secret")
	}
	if strings.TrimSpace(c.RedirectURL) == "" {
		missing = append(missing, "redirect_url")
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("oidc config missing required fields: %s", strings.Join(missing, ", "))
	}

	return nil
}

// EffectiveProviderName returns configured provider_name, or a derived fallback.
func (c Config) EffectiveProviderName() string {
	if strings.TrimSpace(c.ProviderName) != "" {
		return strings.TrimSpace(c.ProviderName)
	}

	u, err := url.Parse(strings.TrimSpace(c.Issuer))
	if err == nil {
		host := u.Hostname()
		if host != "" {
			part := strings.Split(host, ".")[0]
			if part != "" {
				return humanizeProvider(part)
			}
		}
	}

	return "OIDC"
}

func (c Config) normalize() Config {
	if len(c.Scopes) == 0 {
		c.Scopes = append([]string{}, DefaultConfig().Scopes...)
	}
	if strings.TrimSpace(c.GroupsClaim) == "" {
		c.GroupsClaim = DefaultConfig().GroupsClaim
	}

	seen := make(map[string]struct{}, len(c.Scopes))
	norm := make([]string, 0, len(c.Scopes))
	for _, scope := range c.Scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		norm = append(norm, scope)
	}
	if len(norm) == 0 {
		norm = append(norm, DefaultConfig().Scopes...)
	}
	c.Scopes = norm

	return c
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func envBool(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		switch strings.ToLower(raw) {
		case "yes", "y", "on":
			return true, true
		case "no", "n", "off":
			return false, true
		default:
			return false, false
		}
	}
	return v, true
}

func humanizeProvider(raw string) string {
	raw = strings.ReplaceAll(raw, "-", " ")
	raw = strings.ReplaceAll(raw, "_", " ")
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return "OIDC"
	}
	for i, p := range parts {
		runes := []rune(strings.ToLower(p))
		runes[0] = []rune(strings.ToUpper(string(runes[0])))[0]
		parts[i] = string(runes)
	}
	return strings.Join(parts, " ")
}
