package fallback

import (
	"errors"
	"testing"

	"github.com/fossabot/mycroft-core/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.FallbackConfig
		wantNil  bool
		wantErr  error
		wantName string
	}{
		{
			name:    "disabled",
			cfg:     config.FallbackConfig{},
			wantNil: true,
		},
		{
			name: "openai",
			cfg: config.FallbackConfig{
				Provider: "openai",
				OpenAI:   config.ProviderConfig{APIKey: "sk-test", Model: "gpt-4o-mini"},
			},
			wantName: "openai",
		},
		{
			name: "anthropic",
			cfg: config.FallbackConfig{
				Provider:  "anthropic",
				Anthropic: config.ProviderConfig{APIKey: "sk-ant-test", Model: "claude-3-5-haiku-latest"},
			},
			wantName: "anthropic",
		},
		{
			name:    "missing key",
			cfg:     config.FallbackConfig{Provider: "openai"},
			wantErr: ErrMissingAPIKey,
		},
		{
			name:    "unknown provider",
			cfg:     config.FallbackConfig{Provider: "ollama"},
			wantErr: ErrUnknownProvider,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("New() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			if tt.wantNil {
				if p != nil {
					t.Fatalf("New() = %v, want nil provider", p)
				}
				return
			}
			if p.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.wantName)
			}
		})
	}
}
