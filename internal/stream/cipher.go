package stream

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"
)

// CipherStage applies AES/CFB-8 to every byte in both directions. The shared
// secret is both key and IV. It must sit directly on the RawStage.
type CipherStage struct {
	layer
	encrypt *cfb8
	decrypt *cfb8
}

// NewCipherStage creates a cipher stage keyed by secret (16, 24 or 32 bytes).
func NewCipherStage(secret []byte) (*CipherStage, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &CipherStage{
		encrypt: newCFB8(block, secret, false),
		decrypt: newCFB8(block, secret, true),
	}, nil
}

func (s *CipherStage) Kind() string { return KindCipher }

func (s *CipherStage) Read(p []byte) (int, error) {
	n, err := s.below.Read(p)
	if n > 0 {
		s.decrypt.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

// Write encrypts p and writes it below. A short write is fatal because the
// cipher state has already advanced past the unwritten bytes.
func (s *CipherStage) Write(p []byte) (int, error) {
	out := make([]byte, len(p))
	s.encrypt.XORKeyStream(out, p)
	n, err := s.below.Write(out)
	if err == nil && n < len(out) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return n, s.fail(fmt.Errorf("failed to write encrypted data: %w", err))
	}
	return n, nil
}

func (s *CipherStage) Close() error { return nil }

// cfb8 is CFB mode with an 8-bit segment size. crypto/cipher only provides
// full-block CFB.
type cfb8 struct {
	block   cipher.Block
	reg     []byte
	out     []byte
	decrypt bool
}

func newCFB8(block cipher.Block, iv []byte, decrypt bool) *cfb8 {
	reg := make([]byte, block.BlockSize())
	copy(reg, iv)
	return &cfb8{
		block:   block,
		reg:     reg,
		out:     make([]byte, block.BlockSize()),
		decrypt: decrypt,
	}
}

// XORKeyStream processes src into dst one byte at a time. dst and src may
// overlap entirely.
func (x *cfb8) XORKeyStream(dst, src []byte) {
	last := len(x.reg) - 1
	for i := range src {
		x.block.Encrypt(x.out, x.reg)
		in := src[i]
		c := in ^ x.out[0]
		copy(x.reg, x.reg[1:])
		if x.decrypt {
			x.reg[last] = in
		} else {
			x.reg[last] = c
		}
		dst[i] = c
	}
}
