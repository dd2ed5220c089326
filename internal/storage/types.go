package storage

import (
	"context"
	"errors"
	"time"
)

var ErrSchemaTooNew = errors.New("storage: schema version newer than code")

type AuditEvent struct {
	ID          string
	Actor       string
	Action      string
	TargetType  string
	TargetID    string
	Result      string
	DetailsJSON string
	PrevHash    string
	EventHash   string
	CreatedAt   time.Time
}

type AuditFilter struct {
	Action   string
	TargetID string
	Actor    string
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

// ChainLink computes the hash of a new event given the current chain tip.
type ChainLink func(prevTip string) (string, error)

type AuditRepository interface {
	Append(ctx context.Context, event *AuditEvent) error
	AppendChained(ctx context.Context, event *AuditEvent, link ChainLink) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	ChainTip(ctx context.Context) (string, error)
	SetChainTip(ctx context.Context, tip string) error
}
