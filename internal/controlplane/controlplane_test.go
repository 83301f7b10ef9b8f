package controlplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		name     string
		baseURL  string
		path     string
		expected string
	}{
		{
			name:     "http becomes ws",
			baseURL:  "http://localhost:8080",
			path:     "/api/sessions/{sessionId}/channel",
			expected: "ws://localhost:8080/api/sessions/abc/channel",
		},
		{
			name:     "https becomes wss",
			baseURL:  "https://example.com",
			path:     "/api/sessions/{sessionId}/channel",
			expected: "wss://example.com/api/sessions/abc/channel",
		},
		{
			name:     "ws passes through",
			baseURL:  "ws://example.com",
			path:     "/api/sessions/{sessionId}/channel",
			expected: "ws://example.com/api/sessions/abc/channel",
		},
		{
			name:     "trailing slash on base is trimmed",
			baseURL:  "http://example.com/",
			path:     "/api/sessions/{sessionId}/channel",
			expected: "ws://example.com/api/sessions/abc/channel",
		},
		{
			name:     "base path prefix is kept",
			baseURL:  "https://example.com/backend",
			path:     "/api/sessions/{sessionId}/channel",
			expected: "wss://example.com/backend/api/sessions/abc/channel",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := endpointURL(tt.baseURL, tt.path, "abc")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEndpointURLRejectsUnsupportedScheme(t *testing.T) {
	_, err := endpointURL("ftp://example.com", defaultChannelPath, "abc")
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{BaseURL: "http://localhost"}.withDefaults()

	assert.Equal(t, DefaultReconnectDelay, cfg.ReconnectDelay)
	assert.Equal(t, DefaultDialRetryDelay, cfg.DialRetryDelay)
	assert.Equal(t, DefaultCloseFailureThreshold, cfg.CloseFailureThreshold)
	assert.Equal(t, DefaultDialFailureThreshold, cfg.DialFailureThreshold)
	assert.Equal(t, defaultChannelPath, cfg.ChannelPath)
	assert.NotNil(t, cfg.Logger)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
}
