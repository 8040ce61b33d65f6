package registry

import (
	"context"

	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

type credentialKey struct{}

// WithCredential attaches the caller's decrypted credential for the module
// being dispatched. Handlers read it back with CredentialFrom; it never
// outlives the request context.
func WithCredential(ctx context.Context, data *models.CredentialData) context.Context {
	return context.WithValue(ctx, credentialKey{}, data)
}

// CredentialFrom returns the credential attached by the dispatcher, or nil.
func CredentialFrom(ctx context.Context) *models.CredentialData {
	data, _ := ctx.Value(credentialKey{}).(*models.CredentialData)
	return data
}
