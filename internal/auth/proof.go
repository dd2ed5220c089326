package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const proofDomain = "crudrecords-auth-v1"

// Proof is a signed assertion that the holder of an identity's private key
// authorized the current invocation.
type Proof struct {
	Identity  Identity
	Nonce     string
	IssuedAt  time.Time
	Signature *ssh.Signature
}

// Message returns the exact bytes covered by the signature.
func (p Proof) Message() []byte {
	var b strings.Builder
	b.WriteString(proofDomain)
	b.WriteByte('\n')
	b.WriteString(strings.TrimSpace(string(p.Identity)))
	b.WriteByte('\n')
	b.WriteString(p.Nonce)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(p.IssuedAt.Unix(), 10))
	return []byte(b.String())
}

type proofContextKey struct{}

func WithProof(ctx context.Context, proof Proof) context.Context {
	return context.WithValue(ctx, proofContextKey{}, proof)
}

func ProofFromContext(ctx context.Context) (Proof, bool) {
	proof, ok := ctx.Value(proofContextKey{}).(Proof)
	return proof, ok
}

// ParseIdentity decodes an authorized-key identity into its public key.
func ParseIdentity(identity Identity) (ssh.PublicKey, error) {
	if identity.IsZero() {
		return nil, fmt.Errorf("parse identity: empty identity")
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(identity))
	if err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}
	return key, nil
}

// IdentityFromPublicKey renders key in authorized-key form without comment.
func IdentityFromPublicKey(key ssh.PublicKey) Identity {
	return Identity(strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))))
}

// NormalizeIdentity strips any comment from an authorized-key identity so the
// same key always yields the same owner handle.
func NormalizeIdentity(identity Identity) (Identity, error) {
	key, err := ParseIdentity(identity)
	if err != nil {
		return "", err
	}
	return IdentityFromPublicKey(key), nil
}
