package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateProvider(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateProvider("anthropic"))
	assert.NoError(t, v.ValidateProvider("openai"))
	assert.Error(t, v.ValidateProvider(""))
	assert.Error(t, v.ValidateProvider("gemini"))
}

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name     string
		key      string
		provider string
		wantErr  bool
	}{
		{"valid anthropic key", "sk-ant-api03-abc123", "anthropic", false},
		{"valid openai key", "sk-abc123", "openai", false},
		{"empty key", "", "openai", true},
		{"anthropic key with wrong prefix", "sk-abc123", "anthropic", true},
		{"openai key with wrong prefix", "key-abc123", "openai", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateAPIKey(tt.key, tt.provider)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("trace"))
}

func TestValidateModel(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateModel("gpt-4o-mini"))
	assert.NoError(t, v.ValidateModel("some-future-model"))
	assert.Error(t, v.ValidateModel(""))
}
