package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// Signer produces proofs for a single private key. The encoded key stays in
// a locked buffer until Destroy; each Prove decodes it, signs, and wipes the
// decoded copy.
type Signer struct {
	identity Identity
	buffer   *memguard.LockedBuffer
	now      func() time.Time
}

func LoadSigner(path string) (*Signer, error) {
	if path == "" {
		return nil, fmt.Errorf("load signer: empty key path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load signer: %w", err)
	}
	return NewSigner(raw)
}

// NewSigner parses an OpenSSH or PEM private key. privateKey is wiped.
func NewSigner(privateKey []byte) (*Signer, error) {
	if len(privateKey) == 0 {
		return nil, fmt.Errorf("new signer: private key is empty")
	}

	buffer := memguard.NewBufferFromBytes(privateKey)
	var identity Identity
	err := withKey(buffer, func(signer ssh.Signer) error {
		identity = IdentityFromPublicKey(signer.PublicKey())
		return nil
	})
	if err != nil {
		buffer.Destroy()
		return nil, fmt.Errorf("new signer: %w", err)
	}

	return &Signer{
		identity: identity,
		buffer:   buffer,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// withKey decodes the key held in buffer for the duration of fn.
func withKey(buffer *memguard.LockedBuffer, fn func(ssh.Signer) error) error {
	parsed, err := ssh.ParseRawPrivateKey(buffer.Bytes())
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	defer wipeKey(parsed)

	signer, err := ssh.NewSignerFromKey(parsed)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	return fn(signer)
}

func wipeKey(key any) {
	switch k := key.(type) {
	case *ed25519.PrivateKey:
		memguard.WipeBytes(*k)
	case ed25519.PrivateKey:
		memguard.WipeBytes(k)
	}
}

func (s *Signer) Identity() Identity {
	if s == nil {
		return ""
	}
	return s.identity
}

func (s *Signer) Prove() (Proof, error) {
	if s == nil || s.buffer == nil || !s.buffer.IsAlive() {
		return Proof{}, fmt.Errorf("prove: signer is destroyed")
	}
	proof := Proof{
		Identity: s.identity,
		Nonce:    uuid.NewString(),
		IssuedAt: time.Unix(s.now().Unix(), 0).UTC(),
	}
	err := withKey(s.buffer, func(signer ssh.Signer) error {
		sig, err := signer.Sign(rand.Reader, proof.Message())
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}
		proof.Signature = sig
		return nil
	})
	if err != nil {
		return Proof{}, fmt.Errorf("prove: %w", err)
	}
	return proof, nil
}

// Authorize attaches a fresh proof to ctx.
func (s *Signer) Authorize(ctx context.Context) (context.Context, error) {
	proof, err := s.Prove()
	if err != nil {
		return ctx, err
	}
	return WithProof(ctx, proof), nil
}

func (s *Signer) Destroy() {
	if s == nil || s.buffer == nil {
		return
	}
	s.buffer.Destroy()
}

// GenerateKey writes a new ed25519 keypair to path (private, 0600) and
// path+".pub" (authorized-key line) and returns the resulting identity.
func GenerateKey(path, comment string) (Identity, error) {
	if path == "" {
		return "", fmt.Errorf("generate key: empty path")
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("generate key: %s already exists", path)
	}

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: ed25519: %w", err)
	}
	defer memguard.WipeBytes(privateKey)
	block, err := ssh.MarshalPrivateKey(privateKey, comment)
	if err != nil {
		return "", fmt.Errorf("generate key: marshal private key: %w", err)
	}
	privatePEM := pem.EncodeToMemory(block)
	defer memguard.WipeBytes(privatePEM)

	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("generate key: signer: %w", err)
	}
	identity := IdentityFromPublicKey(signer.PublicKey())

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("generate key: create key dir: %w", err)
	}
	if err := os.WriteFile(path, privatePEM, 0o600); err != nil {
		return "", fmt.Errorf("generate key: write private key: %w", err)
	}
	publicLine := string(identity)
	if comment != "" {
		publicLine += " " + comment
	}
	if err := os.WriteFile(path+".pub", []byte(publicLine+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("generate key: write public key: %w", err)
	}
	return identity, nil
}
