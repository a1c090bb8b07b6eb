package oauth

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds authorization server settings.
type Config struct {
	// Issuer is the external base URL of this authorization server.
	Issuer string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration

	// RegistrationMode is "open" or "protected". Protected registration
	// requires RegistrationToken as a bearer credential.
	RegistrationMode  string
	RegistrationToken string

	// TrustedRedirectHosts lists third-party redirect hosts for which the
	// authorize flow skips interactive consent and redirect URI matching
	// checks origin only. External configuration; review before extending.
	TrustedRedirectHosts []string
}

// LoadConfigFromEnv loads OAuth server config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	issuer := strings.TrimSpace(os.Getenv("OAUTH_ISSUER"))
	if issuer == "" {
		return Config{}, fmt.Errorf("OAUTH_ISSUER is required")
	}

	mode := strings.ToLower(strings.TrimSpace(os.Getenv("OAUTH_REGISTRATION_MODE")))
	if mode == "" {
		mode = "open"
	}
	if mode != "open" && mode != "protected" {
		return Config{}, fmt.Errorf("invalid OAUTH_REGISTRATION_MODE %q", mode)
	}

	var trusted []string
	for _, host := range strings.Split(os.Getenv("OAUTH_TRUSTED_REDIRECT_HOSTS"), ",") {
		if host = strings.TrimSpace(host); host != "" {
			trusted = append(trusted, host)
		}
	}

	return Config{
		Issuer:               strings.TrimRight(issuer, "/"),
		AccessTokenTTL:       parseDurationEnv("OAUTH_ACCESS_TOKEN_TTL", DefaultAccessTokenTTL),
		RefreshTokenTTL:      parseDurationEnv("OAUTH_REFRESH_TOKEN_TTL", DefaultRefreshTokenTTL),
		AuthCodeTTL:          parseDurationEnv("OAUTH_AUTH_CODE_TTL", DefaultAuthCodeTTL),
		RegistrationMode:     mode,
		RegistrationToken:    os.Getenv("OAUTH_REGISTRATION_TOKEN"),
		TrustedRedirectHosts: trusted,
	}, nil
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if dur, err := time.ParseDuration(val); err == nil {
			return dur
		}
	}
	return fallback
}
