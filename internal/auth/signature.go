package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultMaxProofAge = 5 * time.Minute
	defaultClockSkew   = 30 * time.Second
)

type SignatureGateOptions struct {
	MaxAge    time.Duration
	ClockSkew time.Duration
	Now       func() time.Time
}

// SignatureGate verifies SSH-signed proofs carried in the invocation
// context. Nonces are remembered until their proof would expire anyway.
type SignatureGate struct {
	maxAge time.Duration
	skew   time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewSignatureGate(opts SignatureGateOptions) *SignatureGate {
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxProofAge
	}
	if opts.ClockSkew < 0 {
		opts.ClockSkew = 0
	} else if opts.ClockSkew == 0 {
		opts.ClockSkew = defaultClockSkew
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &SignatureGate{
		maxAge: opts.MaxAge,
		skew:   opts.ClockSkew,
		now:    opts.Now,
		seen:   map[string]time.Time{},
	}
}

func (g *SignatureGate) RequireAuth(ctx context.Context, identity Identity) error {
	proof, ok := ProofFromContext(ctx)
	if !ok {
		return fmt.Errorf("%w: no identity proof", ErrUnauthorized)
	}
	if proof.Identity != identity {
		return fmt.Errorf("%w: proof is for a different identity", ErrUnauthorized)
	}
	if proof.Signature == nil {
		return fmt.Errorf("%w: proof is unsigned", ErrUnauthorized)
	}
	if proof.Nonce == "" {
		return fmt.Errorf("%w: proof nonce is empty", ErrUnauthorized)
	}

	key, err := ParseIdentity(identity)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	now := g.now()
	issued := proof.IssuedAt
	if issued.Before(now.Add(-g.maxAge)) {
		return fmt.Errorf("%w: proof expired", ErrUnauthorized)
	}
	if issued.After(now.Add(g.skew)) {
		return fmt.Errorf("%w: proof issued in the future", ErrUnauthorized)
	}

	if err := key.Verify(proof.Message(), proof.Signature); err != nil {
		return fmt.Errorf("%w: signature verification failed", ErrUnauthorized)
	}

	return g.consumeNonce(now, proof.Nonce, issued.Add(g.maxAge))
}

func (g *SignatureGate) consumeNonce(now time.Time, nonce string, expiresAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for seenNonce, expiry := range g.seen {
		if now.After(expiry) {
			delete(g.seen, seenNonce)
		}
	}
	if _, replayed := g.seen[nonce]; replayed {
		return fmt.Errorf("%w: proof nonce already used", ErrUnauthorized)
	}
	g.seen[nonce] = expiresAt
	return nil
}
