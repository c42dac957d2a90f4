package link

import (
	"context"

	"github.com/google/uuid"

	"github.com/energizer-project/linkproxy/internal/packets"
)

// Profile is the verified identity of a player.
type Profile struct {
	ID         uuid.UUID                 `json:"id"`
	Name       string                    `json:"name"`
	Properties []packets.ProfileProperty `json:"properties,omitempty"`
}

// Authenticator terminates the login key exchange on the player side.
// A link without one forwards the login untouched.
type Authenticator interface {
	// Challenge builds the encryption request sent to player.
	Challenge(ctx context.Context, player string) (*packets.EncryptionRequest, error)
	// SharedSecret validates resp against req and returns the shared secret.
	SharedSecret(ctx context.Context, req *packets.EncryptionRequest, resp *packets.EncryptionResponse) ([]byte, error)
	// Verify checks the session of player for the negotiated secret.
	Verify(ctx context.Context, player string, req *packets.EncryptionRequest, secret []byte) (Profile, error)
}
