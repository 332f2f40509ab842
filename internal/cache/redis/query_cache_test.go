package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalKey(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		params   map[string]string
		want     string
	}{
		{
			name:     "no params",
			endpoint: "markets/42",
			want:     "query:markets/42",
		},
		{
			name:     "params sorted by key",
			endpoint: "markets",
			params:   map[string]string{"sortBy": "tvl", "limit": "20", "order": "asc"},
			want:     "query:markets?limit=20&order=asc&sortBy=tvl",
		},
		{
			name:     "single param",
			endpoint: "markets/7/prices",
			params:   map[string]string{"option": "1"},
			want:     "query:markets/7/prices?option=1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalKey(tt.endpoint, tt.params))
		})
	}
}

func TestCanonicalKeyOrderIndependent(t *testing.T) {
	a := CanonicalKey("markets", map[string]string{"a": "1", "b": "2", "c": "3"})
	b := CanonicalKey("markets", map[string]string{"c": "3", "a": "1", "b": "2"})
	assert.Equal(t, a, b)
}

func TestReferencesMarket(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		marketID string
		want     bool
	}{
		{"detail key matches", "query:markets/42", "42", true},
		{"nested key matches", "query:markets/42/prices?option=1", "42", true},
		{"prefix id does not match", "query:markets/425", "42", false},
		{"suffix id does not match", "query:markets/142", "42", false},
		{"id in query string ignored", "query:markets?limit=42", "42", false},
		{"list key does not match", "query:markets", "42", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, referencesMarket(tt.key, tt.marketID))
		})
	}
}

func TestIsListKey(t *testing.T) {
	assert.True(t, isListKey("query:markets"))
	assert.True(t, isListKey("query:markets?limit=20&order=asc"))
	assert.False(t, isListKey("query:markets/42"))
	assert.False(t, isListKey("query:markets/42/prices?option=0"))
}
