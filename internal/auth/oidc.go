// Package auth implements component S, the OIDC Adapter: it verifies a
// bearer JWT against a configured OIDC issuer and extracts the principal
// the control plane needs. Per spec §6.2 the operator/customer-facing CRUD
// surface (alerts, rules, routes, integrations, dead-letter management) is
// consumed, not implemented, by this core — an external control plane
// calls straight into pkg/alertstore, pkg/rules, pkg/routes, pkg/dispatch,
// and pkg/deadletter, passing in the principal this package extracts. This
// package therefore has no HTTP routing or session/cookie machinery of its
// own; it is a verification library the control plane links against.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Principal is the authenticated caller, matching spec §6.2's
// {subject, tenantId, role, permissions} contract exactly.
type Principal struct {
	Subject     string
	TenantID    string
	Role        string
	Permissions []string
}

// claims is the subset of JWT claims the adapter reads off a verified
// ID token.
type claims struct {
	Subject     string   `json:"sub"`
	TenantID    string   `json:"tenant_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// Adapter verifies OIDC-issued bearer tokens against one issuer.
type Adapter struct {
	verifier *oidc.IDTokenVerifier
}

// NewAdapter performs OIDC discovery against issuerURL (a network call) and
// returns an Adapter whose Verify checks tokens were issued for clientID.
func NewAdapter(ctx context.Context, issuerURL, clientID string) (*Adapter, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider %s: %w", issuerURL, err)
	}
	return &Adapter{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

// Verify validates a raw "Bearer <jwt>" (or bare "<jwt>") header value and
// returns the extracted Principal. A token missing sub or tenant_id is
// rejected, since every operation the control plane performs through this
// core's consumed operations requires a tenant-scoped principal.
func (a *Adapter) Verify(ctx context.Context, authorizationHeader string) (*Principal, error) {
	token := strings.TrimPrefix(authorizationHeader, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("empty bearer token")
	}

	idToken, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	var c claims
	if err := idToken.Claims(&c); err != nil {
		return nil, fmt.Errorf("extracting claims: %w", err)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("token missing sub claim")
	}
	if c.TenantID == "" {
		return nil, fmt.Errorf("token missing tenant_id claim")
	}

	return &Principal{
		Subject:     c.Subject,
		TenantID:    c.TenantID,
		Role:        c.Role,
		Permissions: c.Permissions,
	}, nil
}
