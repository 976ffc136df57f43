// Package auth verifies who a connecting session is before the reconciler
// ever sees it. The surface is deliberately small: a single Authenticate
// call turning a display name plus credential into a verified Identity.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"
)

// Identity is a verified collaborator.
type Identity struct {
	UserID      string
	DisplayName string
	Color       string
}

// UnauthorizedError reports a rejected credential.
type UnauthorizedError struct {
	DisplayName string
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.DisplayName
}

// Authenticator turns connection credentials into an Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, displayName, credential string) (Identity, error)
}

// palette assigns each collaborator a stable cursor color.
var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#008080",
}

func colorFor(displayName string) string {
	h := fnv.New32a()
	h.Write([]byte(displayName))
	return palette[h.Sum32()%uint32(len(palette))]
}

func identityFor(displayName string) Identity {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = "anonymous"
	}
	return Identity{
		UserID:      uuid.NewString(),
		DisplayName: name,
		Color:       colorFor(name),
	}
}

// Open admits everyone. Used when no passkey is configured.
type Open struct{}

// Authenticate implements Authenticator.
func (Open) Authenticate(_ context.Context, displayName, _ string) (Identity, error) {
	return identityFor(displayName), nil
}

// Passkey admits sessions presenting a shared secret. Only the digest is
// retained.
type Passkey struct {
	digest [sha256.Size]byte
}

// NewPasskey builds an authenticator around the shared secret.
func NewPasskey(key string) *Passkey {
	return &Passkey{digest: sha256.Sum256([]byte(key))}
}

// Authenticate implements Authenticator.
func (p *Passkey) Authenticate(_ context.Context, displayName, credential string) (Identity, error) {
	got := sha256.Sum256([]byte(credential))
	if subtle.ConstantTimeCompare(got[:], p.digest[:]) != 1 {
		return Identity{}, &UnauthorizedError{DisplayName: displayName}
	}
	return identityFor(displayName), nil
}
