package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/linkproxy/internal/link"
	"github.com/energizer-project/linkproxy/internal/packets"
)

var _ link.Authenticator = (*KeyExchange)(nil)

func TestServerHash(t *testing.T) {
	// digests of the bare names, as published with the session protocol
	tests := map[string]string{
		"Notch": "4ed1f46bbe04bc756bcb17c0c7ce3e4632f06a48",
		"jeb_":  "-7c9d5b0044c130109a5d7b5fb5c317c02b4e28c1",
		"simon": "88e16a1019277b15d58faf0541e11910eb756f6",
	}
	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, want, ServerHash(name, nil, nil))
		})
	}
}

func TestOfflineUUID(t *testing.T) {
	id := OfflineUUID("Notch")
	assert.Equal(t, "b50ad385-829d-3141-a216-7e7d7539ba7f", id.String())
	assert.EqualValues(t, 3, id.Version())
}

func TestKeyExchange(t *testing.T) {
	ctx := context.Background()
	kx, err := NewKeyExchange(nil)
	require.NoError(t, err)

	req, err := kx.Challenge(ctx, "alex")
	require.NoError(t, err)
	require.Len(t, req.VerifyToken, verifyTokenSize)

	pub, err := x509.ParsePKIXPublicKey(req.PublicKey)
	require.NoError(t, err)
	rsaPub := pub.(*rsa.PublicKey)

	secret := []byte("0123456789abcdef")
	encrypt := func(b []byte) []byte {
		out, err := rsa.EncryptPKCS1v15(rand.Reader, rsaPub, b)
		require.NoError(t, err)
		return out
	}

	t.Run("valid response", func(t *testing.T) {
		got, err := kx.SharedSecret(ctx, req, &packets.EncryptionResponse{
			SharedSecret: encrypt(secret),
			VerifyToken:  encrypt(req.VerifyToken),
		})
		require.NoError(t, err)
		assert.Equal(t, secret, got)

		profile, err := kx.Verify(ctx, "alex", req, got)
		require.NoError(t, err)
		assert.Equal(t, OfflineUUID("alex"), profile.ID)
		assert.Equal(t, "alex", profile.Name)
	})

	t.Run("wrong token", func(t *testing.T) {
		_, err := kx.SharedSecret(ctx, req, &packets.EncryptionResponse{
			SharedSecret: encrypt(secret),
			VerifyToken:  encrypt([]byte{0, 0, 0, 0}),
		})
		assert.ErrorIs(t, err, ErrTokenMismatch)
	})

	t.Run("short secret", func(t *testing.T) {
		_, err := kx.SharedSecret(ctx, req, &packets.EncryptionResponse{
			SharedSecret: encrypt([]byte("short")),
			VerifyToken:  encrypt(req.VerifyToken),
		})
		assert.ErrorIs(t, err, ErrInvalidSecret)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := kx.SharedSecret(ctx, req, &packets.EncryptionResponse{
			SharedSecret: []byte{1, 2, 3},
			VerifyToken:  []byte{4, 5, 6},
		})
		assert.Error(t, err)
	})
}

func TestOfflineVerifierRejectsBadNames(t *testing.T) {
	_, err := OfflineVerifier{}.Verify(context.Background(), "", "")
	assert.Error(t, err)
	_, err = OfflineVerifier{}.Verify(context.Background(), "two words", "")
	assert.Error(t, err)
}
