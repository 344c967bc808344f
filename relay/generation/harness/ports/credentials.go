package harnessports

import "context"

// Credentials is a bearer token plus the optional account it is scoped to.
type Credentials struct {
	AccessToken string
	AccountID   string
}

// CredentialProvider hands out bearer credentials for the completion endpoint.
// Refresh forces a new token, e.g. after the endpoint rejected the current one.
type CredentialProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
	Refresh(ctx context.Context) (Credentials, error)
}
