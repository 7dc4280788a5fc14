package adapter

import "context"

// CredentialSource is the external authentication collaborator.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
	UserID() string
}
