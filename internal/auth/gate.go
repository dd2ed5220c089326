package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Identity is an opaque caller handle. Signature identities are SSH
// authorized-key lines without a comment.
type Identity string

func (i Identity) String() string {
	return string(i)
}

func (i Identity) IsZero() bool {
	return strings.TrimSpace(string(i)) == ""
}

// Gate decides whether the current invocation may act as identity. A nil
// error means authorized; every rejection wraps ErrUnauthorized.
type Gate interface {
	RequireAuth(ctx context.Context, identity Identity) error
}

type GateFunc func(ctx context.Context, identity Identity) error

func (f GateFunc) RequireAuth(ctx context.Context, identity Identity) error {
	return f(ctx, identity)
}

// AllowAll trusts every non-empty asserted identity.
func AllowAll() Gate {
	return GateFunc(func(_ context.Context, identity Identity) error {
		if identity.IsZero() {
			return fmt.Errorf("%w: empty identity", ErrUnauthorized)
		}
		return nil
	})
}

// DenyAll rejects every identity.
func DenyAll() Gate {
	return GateFunc(func(_ context.Context, identity Identity) error {
		return fmt.Errorf("%w: %s", ErrUnauthorized, shortIdentity(identity))
	})
}

// Require runs gate and folds any non-nil result into ErrUnauthorized so
// unexpected verifier failures still fail closed.
func Require(ctx context.Context, gate Gate, identity Identity) error {
	if gate == nil {
		return fmt.Errorf("%w: no gate configured", ErrUnauthorized)
	}
	err := gate.RequireAuth(ctx, identity)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnauthorized) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnauthorized, err)
}

func shortIdentity(identity Identity) string {
	raw := strings.TrimSpace(string(identity))
	if len(raw) <= 32 {
		return raw
	}
	return raw[:16] + "..." + raw[len(raw)-8:]
}
