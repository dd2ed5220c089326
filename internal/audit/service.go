// Package audit keeps a tamper-evident, hash-chained log of record mutations
// and security-relevant events.
package audit

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/josealfredo79/20250829StellarSummerFriday/internal/storage"
)

const defaultResult = "success"

// verifyPageLimit caps how many events a single Verify walks.
const verifyPageLimit = 1_000_000

// Service appends to and verifies the chain. The tip lives in the database,
// so any number of services may share one file.
type Service struct {
	repo storage.AuditRepository
	now  func() time.Time
	mu   sync.Mutex
}

func NewService(ctx context.Context, repo storage.AuditRepository) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("new audit service: repository is nil")
	}

	if _, err := repo.ChainTip(ctx); err != nil {
		return nil, fmt.Errorf("new audit service: read chain tip: %w", err)
	}

	return &Service{
		repo: repo,
		now:  time.Now,
	}, nil
}

// Record appends event to the chain. Each event hash covers the previous tip
// and the canonical form of the event, so editing or dropping a stored row
// breaks every hash after it.
func (s *Service) Record(ctx context.Context, event Event) error {
	if strings.TrimSpace(event.Action) == "" {
		return fmt.Errorf("record audit event: action is required")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	event.Timestamp = event.Timestamp.UTC()
	if event.Result == "" {
		event.Result = defaultResult
	}

	details, err := canonicalizeDetails(event.Details)
	if err != nil {
		return fmt.Errorf("record audit event: canonicalize details: %w", err)
	}

	payload, err := canonicalJSON(chainEvent{
		Timestamp:  event.Timestamp.Format(time.RFC3339Nano),
		Actor:      event.Actor,
		Action:     event.Action,
		TargetType: event.TargetType,
		TargetID:   event.TargetID,
		Result:     event.Result,
		Details:    details,
	})
	if err != nil {
		return fmt.Errorf("record audit event: canonical payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &storage.AuditEvent{
		Actor:       event.Actor,
		Action:      event.Action,
		TargetType:  event.TargetType,
		TargetID:    event.TargetID,
		Result:      event.Result,
		DetailsJSON: string(details),
		CreatedAt:   event.Timestamp,
	}
	link := func(prevTip string) (string, error) {
		return chainHash(prevTip, payload), nil
	}
	if err := s.repo.AppendChained(ctx, entry, link); err != nil {
		return fmt.Errorf("record audit event: append: %w", err)
	}
	return nil
}

func (s *Service) Verify(ctx context.Context) (*VerifyResult, error) {
	events, err := s.repo.List(ctx, storage.AuditFilter{Limit: verifyPageLimit})
	if err != nil {
		return nil, fmt.Errorf("verify audit chain: list events: %w", err)
	}

	prev := ""
	for _, event := range events {
		payload, err := payloadForStoredEvent(event)
		if err != nil {
			return &VerifyResult{
				EventCount: len(events),
				ChainTip:   prev,
				Error:      fmt.Sprintf("malformed event %s: %v", event.ID, err),
			}, nil
		}
		expected := chainHash(prev, payload)
		if !hashEqual(event.PrevHash, prev) || !hashEqual(event.EventHash, expected) {
			return &VerifyResult{
				EventCount: len(events),
				ChainTip:   prev,
				Error:      fmt.Sprintf("hash mismatch at event %s", event.ID),
			}, nil
		}
		prev = event.EventHash
	}

	storedTip, err := s.repo.ChainTip(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify audit chain: read chain tip: %w", err)
	}
	if !hashEqual(storedTip, prev) {
		return &VerifyResult{
			EventCount: len(events),
			ChainTip:   prev,
			Error:      "hash mismatch at chain tip",
		}, nil
	}

	return &VerifyResult{
		Valid:      true,
		EventCount: len(events),
		ChainTip:   prev,
	}, nil
}

func (s *Service) List(ctx context.Context, filter Filter) ([]RecordedEvent, error) {
	events, err := s.repo.List(ctx, storage.AuditFilter{
		Action:   filter.Action,
		TargetID: filter.TargetID,
		Actor:    filter.Actor,
		Since:    filter.Since,
		Until:    filter.Until,
		Limit:    filter.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}

	out := make([]RecordedEvent, 0, len(events))
	for _, event := range events {
		out = append(out, RecordedEvent{
			ID:          event.ID,
			Timestamp:   event.CreatedAt,
			Actor:       event.Actor,
			Action:      event.Action,
			TargetType:  event.TargetType,
			TargetID:    event.TargetID,
			Result:      event.Result,
			DetailsJSON: event.DetailsJSON,
			PrevHash:    event.PrevHash,
			EventHash:   event.EventHash,
		})
	}
	return out, nil
}

type chainEvent struct {
	Timestamp  string          `json:"timestamp"`
	Actor      string          `json:"actor,omitempty"`
	Action     string          `json:"action"`
	TargetType string          `json:"target_type,omitempty"`
	TargetID   string          `json:"target_id,omitempty"`
	Result     string          `json:"result"`
	Details    json.RawMessage `json:"details"`
}

func payloadForStoredEvent(event storage.AuditEvent) ([]byte, error) {
	details := strings.TrimSpace(event.DetailsJSON)
	if details == "" {
		details = "{}"
	}
	if !json.Valid([]byte(details)) {
		return nil, fmt.Errorf("invalid details json")
	}

	result := event.Result
	if result == "" {
		result = defaultResult
	}
	return canonicalJSON(chainEvent{
		Timestamp:  event.CreatedAt.UTC().Format(time.RFC3339Nano),
		Actor:      event.Actor,
		Action:     event.Action,
		TargetType: event.TargetType,
		TargetID:   event.TargetID,
		Result:     result,
		Details:    json.RawMessage(details),
	})
}

func chainHash(prevHash string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func hashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
