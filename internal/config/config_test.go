package config

import (
	"strings"
	"testing"
)

func loadWith(t *testing.T, overrides map[string]any) (AppConfig, error) {
	t.Helper()
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")
	configViper.Set("contaazul.client_id", "client")
	configViper.Set("contaazul.client_secret", "client-secret")
	configViper.Set("contaazul.redirect_uri", "https://app.example.com/integrations/contaazul/callback")
	for key, value := range overrides {
		configViper.Set(key, value)
	}
	return Load(configViper)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := loadWith(t, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Fatalf("expected sqlite default driver, got %q", cfg.DatabaseDriver)
	}
	if cfg.ContaAzul.TokenURL != defaultTokenURL {
		t.Fatalf("unexpected token url: %s", cfg.ContaAzul.TokenURL)
	}
	if cfg.OAuth.StateSecret != "secret" {
		t.Fatalf("expected state secret to fall back to session secret, got %q", cfg.OAuth.StateSecret)
	}
	if !cfg.OAuth.SecureCookies {
		t.Fatalf("expected secure cookies by default")
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
		t.Fatalf("unexpected cors origins: %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadRejectsMissingProviderCredentials(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		wantError string
	}{
		{name: "client-id", overrides: map[string]any{"contaazul.client_id": ""}, wantError: "contaazul.client_id"},
		{name: "client-secret", overrides: map[string]any{"contaazul.client_secret": " "}, wantError: "contaazul.client_secret"},
		{name: "redirect-uri", overrides: map[string]any{"contaazul.redirect_uri": "/callback"}, wantError: "contaazul.redirect_uri"},
		{name: "scope", overrides: map[string]any{"contaazul.scope": ""}, wantError: "contaazul.scope"},
		{name: "driver", overrides: map[string]any{"database.driver": "mysql"}, wantError: "database.driver"},
		{name: "session-secret", overrides: map[string]any{"session.signing_secret": ""}, wantError: "session.signing_secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadWith(t, tt.overrides)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Fatalf("expected error mentioning %s, got %v", tt.wantError, err)
			}
		})
	}
}

func TestSplitListTrimsEntries(t *testing.T) {
	values := splitList(" https://a.example.com , ,https://b.example.com")
	if len(values) != 2 || values[0] != "https://a.example.com" || values[1] != "https://b.example.com" {
		t.Fatalf("unexpected values: %v", values)
	}
}

func TestLoadAllowsDisabledIntegration(t *testing.T) {
	cfg, err := loadWith(t, map[string]any{
		"contaazul.client_id":     "",
		"contaazul.client_secret": "",
		"contaazul.redirect_uri":  "",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ContaAzul.Enabled() {
		t.Fatalf("expected integration to be disabled without credentials")
	}
}
