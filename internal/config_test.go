package internal

import (
	"strings"
	"testing"
	"time"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
	if cfg.APIToken() != "" {
		t.Error("disabled mode should expose no token")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
	if cfg.APIToken() != "mysecret" {
		t.Errorf("APIToken() = %q, want %q", cfg.APIToken(), "mysecret")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Telegram.Token = "123:abc"
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestTelegramConfig_RequiresToken(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("config without a bot token should fail validation")
	}
	cfg.Telegram.Token = "123:abc"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config with a token should pass: %v", err)
	}
}

func TestTelegramConfig_MaxFileSize(t *testing.T) {
	cfg := TelegramConfig{Token: "123:abc", MaxFileSizeMB: 20}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("20 MB cap should pass: %v", err)
	}
	if got := cfg.MaxFileSize(); got != 20<<20 {
		t.Errorf("MaxFileSize() = %d, want %d", got, 20<<20)
	}

	cfg.MaxFileSizeMB = 25
	if err := cfg.Validate(); err == nil {
		t.Fatal("caps above the Bot API limit should fail")
	}
}

func TestAIConfig_RequiresEndpoint(t *testing.T) {
	cfg := AIConfig{BaseURL: "", Model: "gpt-4o-mini"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty base URL should fail validation")
	}
	cfg = AIConfig{BaseURL: "https://api.openai.com/v1", Model: ""}
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty model should fail validation")
	}
}

func TestGitConfig_PullInterval(t *testing.T) {
	cfg := GitConfig{PullIntervalSeconds: 300, PullInitialSeconds: 10}
	if got := cfg.PullInterval(); got != 5*time.Minute {
		t.Errorf("PullInterval() = %v, want %v", got, 5*time.Minute)
	}
	if got := cfg.PullInitialDelay(); got != 10*time.Second {
		t.Errorf("PullInitialDelay() = %v, want %v", got, 10*time.Second)
	}

	cfg = GitConfig{}
	if got := cfg.PullInterval(); got != 0 {
		t.Errorf("zero config PullInterval() = %v, want 0", got)
	}
}

func TestHTTPConfig_Address(t *testing.T) {
	cfg := HTTPConfig{Port: 8080}
	if got := cfg.Address(); got != ":8080" {
		t.Errorf("Address() = %q, want %q", got, ":8080")
	}
}
