package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioscloud/trust-core/internal/testutil"
	herr "github.com/helioscloud/trust-core/pkg/errors"
)

func TestResolveAuthority(t *testing.T) {
	tests := []struct {
		name      string
		authority string
		tenantID  string
		want      string
		wantCode  herr.Code
	}{
		{
			name:      "bare multi-tenant root appends tenant and version",
			authority: "https://login.example.com",
			tenantID:  "contoso",
			want:      "https://login.example.com/contoso/v2.0",
		},
		{
			name:      "bare root with trailing slash",
			authority: "https://login.example.com/",
			tenantID:  "contoso",
			want:      "https://login.example.com/contoso/v2.0",
		},
		{
			name:      "bare root without tenant fails",
			authority: "https://login.example.com",
			wantCode:  herr.CodeValidationRequired,
		},
		{
			name:      "already versioned returned unchanged",
			authority: "https://login.example.com/contoso/v2.0",
			tenantID:  "contoso",
			want:      "https://login.example.com/contoso/v2.0",
		},
		{
			name:      "tenant segment gets version appended",
			authority: "https://login.example.com/contoso",
			tenantID:  "contoso",
			want:      "https://login.example.com/contoso/v2.0",
		},
		{
			name:      "fixed issuer path returned unchanged",
			authority: "https://issuer.example.com/oauth2/default",
			tenantID:  "ignored",
			want:      "https://issuer.example.com/oauth2/default",
		},
		{
			name:      "single non-tenant segment returned unchanged",
			authority: "https://issuer.example.com/adfs",
			tenantID:  "contoso",
			want:      "https://issuer.example.com/adfs",
		},
		{
			name:      "empty authority fails",
			authority: "",
			wantCode:  herr.CodeValidationRequired,
		},
		{
			name:      "relative URL fails",
			authority: "login.example.com/contoso",
			tenantID:  "contoso",
			wantCode:  herr.CodeValidationFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveAuthority(tt.authority, tt.tenantID)
			if tt.wantCode != "" {
				testutil.RequireErrorCode(t, err, tt.wantCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Resolution must be idempotent: resolving its own output is a no-op.
func TestResolveAuthorityIdempotent(t *testing.T) {
	inputs := []struct {
		authority string
		tenantID  string
	}{
		{"https://login.example.com", "contoso"},
		{"https://login.example.com/contoso", "contoso"},
		{"https://issuer.example.com/oauth2/default", ""},
	}

	for _, in := range inputs {
		first, err := ResolveAuthority(in.authority, in.tenantID)
		require.NoError(t, err)
		second, err := ResolveAuthority(first, in.tenantID)
		require.NoError(t, err)
		assert.Equal(t, first, second, "resolving %q twice changed the result", in.authority)
	}
}
