// Package auth terminates the login key exchange on behalf of the backend:
// it issues the encryption request, recovers the shared secret from the
// player's response and resolves the player's profile.
package auth

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/linkproxy/internal/link"
	"github.com/energizer-project/linkproxy/internal/packets"
)

const (
	keyBits         = 1024
	verifyTokenSize = 4
	secretSize      = 16
)

var (
	ErrTokenMismatch = errors.New("verify token mismatch")
	ErrInvalidSecret = errors.New("invalid shared secret")
)

// Verifier resolves the profile of a player that completed the key
// exchange. serverHash is the session digest of the exchange.
type Verifier interface {
	Verify(ctx context.Context, player, serverHash string) (link.Profile, error)
}

// KeyExchange implements link.Authenticator with a process-wide RSA key.
type KeyExchange struct {
	key       *rsa.PrivateKey
	publicDER []byte
	verifier  Verifier
	logger    zerolog.Logger
}

// NewKeyExchange generates a key pair. A nil verifier uses OfflineVerifier.
func NewKeyExchange(verifier Verifier) (*KeyExchange, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	if verifier == nil {
		verifier = OfflineVerifier{}
	}
	return &KeyExchange{
		key:       key,
		publicDER: der,
		verifier:  verifier,
		logger:    log.With().Str("component", "auth").Logger(),
	}, nil
}

// PublicKey returns the DER encoded public key sent to players.
func (k *KeyExchange) PublicKey() []byte {
	return k.publicDER
}

// Challenge builds an encryption request with a fresh verify token.
func (k *KeyExchange) Challenge(_ context.Context, player string) (*packets.EncryptionRequest, error) {
	token := make([]byte, verifyTokenSize)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("failed to generate verify token: %w", err)
	}
	return &packets.EncryptionRequest{
		ServerID:           "",
		PublicKey:          k.publicDER,
		VerifyToken:        token,
		ShouldAuthenticate: true,
	}, nil
}

// SharedSecret decrypts the player's response and checks the verify token.
func (k *KeyExchange) SharedSecret(_ context.Context, req *packets.EncryptionRequest, resp *packets.EncryptionResponse) ([]byte, error) {
	token, err := rsa.DecryptPKCS1v15(rand.Reader, k.key, resp.VerifyToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt verify token: %w", err)
	}
	if !bytes.Equal(token, req.VerifyToken) {
		return nil, ErrTokenMismatch
	}
	secret, err := rsa.DecryptPKCS1v15(rand.Reader, k.key, resp.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt shared secret: %w", err)
	}
	if len(secret) != secretSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSecret, len(secret))
	}
	return secret, nil
}

// Verify hands the session digest to the verifier.
func (k *KeyExchange) Verify(ctx context.Context, player string, req *packets.EncryptionRequest, secret []byte) (link.Profile, error) {
	hash := ServerHash(req.ServerID, secret, req.PublicKey)
	profile, err := k.verifier.Verify(ctx, player, hash)
	if err != nil {
		k.logger.Warn().Err(err).Str("player", player).Msg("session verification failed")
		return link.Profile{}, err
	}
	return profile, nil
}

// ServerHash computes the session digest: SHA-1 over server id, secret and
// public key, printed as a signed big-endian hex number.
func ServerHash(serverID string, secret, publicKey []byte) string {
	h := sha1.New()
	h.Write([]byte(serverID))
	h.Write(secret)
	h.Write(publicKey)
	sum := h.Sum(nil)

	negative := sum[0]&0x80 != 0
	if negative {
		// two's complement
		carry := true
		for i := len(sum) - 1; i >= 0; i-- {
			sum[i] = ^sum[i]
			if carry {
				sum[i]++
				carry = sum[i] == 0
			}
		}
	}
	digest := new(big.Int).SetBytes(sum).Text(16)
	if negative {
		return "-" + digest
	}
	return digest
}

// OfflineVerifier accepts every player and derives the offline UUID from
// the name.
type OfflineVerifier struct{}

func (OfflineVerifier) Verify(_ context.Context, player, _ string) (link.Profile, error) {
	if player == "" || strings.ContainsAny(player, " \t\n") {
		return link.Profile{}, fmt.Errorf("invalid player name %q", player)
	}
	return link.Profile{ID: OfflineUUID(player), Name: player}, nil
}

// OfflineUUID returns the name-based version 3 UUID offline-mode servers
// assign to player.
func OfflineUUID(player string) uuid.UUID {
	sum := md5.Sum([]byte("OfflinePlayer:" + player))
	sum[6] = sum[6]&0x0f | 0x30
	sum[8] = sum[8]&0x3f | 0x80
	return uuid.UUID(sum)
}
