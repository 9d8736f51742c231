package server

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/errors"
)

func TestStaticTokens(t *testing.T) {
	ctx := context.Background()
	auth := NewStaticTokens([]am.TokenConfig{
		{Token: "warp-star", UserID: kirby},
		{Token: "", UserID: "ghost"},
		{Token: "orphan", UserID: ""},
	})
	assert.Equal(t, 1, auth.Len(), "incomplete entries are skipped")

	user, err := auth.Authenticate(ctx, "warp-star")
	require.NoError(t, err)
	assert.Equal(t, kirby, user)

	_, err = auth.Authenticate(ctx, "orphan")
	assert.Equal(t, errors.KindUnauthorized, errors.KindOf(err))
	_, err = auth.Authenticate(ctx, "")
	assert.Equal(t, errors.KindUnauthorized, errors.KindOf(err))

	t.Log("Config reload rotates Kirby's token; the old one stops working")
	auth.Reload([]am.TokenConfig{{Token: "poyo", UserID: kirby}})
	_, err = auth.Authenticate(ctx, "warp-star")
	assert.Error(t, err)
	user, err = auth.Authenticate(ctx, "poyo")
	require.NoError(t, err)
	assert.Equal(t, kirby, user)
}

func TestCredentialFrom(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"bearer header", "/api/jobs", "Bearer warp-star", "warp-star"},
		{"query parameter", "/ws?token=time-gate", "", "time-gate"},
		{"header wins over query", "/ws?token=time-gate", "Bearer warp-star", "warp-star"},
		{"non-bearer scheme", "/api/jobs", "Basic a2lyYnk6", ""},
		{"nothing", "/api/jobs", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, credentialFrom(r))
		})
	}
}
