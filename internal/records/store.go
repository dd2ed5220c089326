// Package records implements the owner-authorized record store: every
// mutation is gated on the caller's identity proof and only the creator of a
// record may change or delete it.
package records

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/josealfredo79/20250829StellarSummerFriday/internal/auth"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/kv"
)

// Journal receives mutation events after they commit.
type Journal interface {
	Record(ctx context.Context, event Event) error
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithJournal(journal Journal) Option {
	return func(s *Store) {
		s.journal = journal
	}
}

type Store struct {
	storage kv.Storage
	gate    auth.Gate
	now     func() time.Time
	logger  *slog.Logger
	journal Journal
}

func New(storage kv.Storage, gate auth.Gate, opts ...Option) (*Store, error) {
	if storage == nil {
		return nil, fmt.Errorf("new record store: storage is nil")
	}
	if gate == nil {
		return nil, fmt.Errorf("new record store: auth gate is nil")
	}
	s := &Store{
		storage: storage,
		gate:    gate,
		now:     time.Now,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) CreateRecord(ctx context.Context, caller auth.Identity, name, description string, value uint64) (uint32, error) {
	if err := auth.Require(ctx, s.gate, caller); err != nil {
		return 0, fmt.Errorf("create record: %w", err)
	}

	var created Record
	err := s.storage.Update(ctx, func(tx kv.Tx) error {
		counter, err := loadCounter(ctx, tx)
		if err != nil {
			return err
		}
		if counter == math.MaxUint32 {
			return ErrIDSpaceExhausted
		}
		id := counter + 1
		if err := storeCounter(ctx, tx, id); err != nil {
			return err
		}

		now := s.timestamp()
		created = Record{
			ID:          id,
			Name:        name,
			Description: description,
			Value:       value,
			Owner:       caller,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		ids, err := loadRecordsList(ctx, tx)
		if err != nil {
			return err
		}
		if err := storeRecordsList(ctx, tx, append(ids, id)); err != nil {
			return err
		}
		return storeRecord(ctx, tx, created)
	})
	if err != nil {
		return 0, fmt.Errorf("create record: %w", err)
	}

	s.logger.InfoContext(ctx, "record created", "id", created.ID, "name", created.Name, "owner", caller.String())
	s.emit(ctx, Event{Action: ActionCreate, RecordID: created.ID, Caller: caller, Result: ResultSuccess, Name: name, Value: value})
	return created.ID, nil
}

// ReadRecord reports a missing id with ok=false, not an error.
func (s *Store) ReadRecord(ctx context.Context, id uint32) (Record, bool, error) {
	var (
		rec   Record
		found bool
	)
	err := s.storage.View(ctx, func(r kv.Reader) error {
		var err error
		rec, found, err = loadRecord(ctx, r, id)
		return err
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("read record: %w", err)
	}
	return rec, found, nil
}

// UpdateRecord returns false, without changing anything, when the record does
// not exist or caller is not its owner. The two cases are deliberately
// indistinguishable to the caller.
func (s *Store) UpdateRecord(ctx context.Context, caller auth.Identity, id uint32, name, description string, value uint64) (bool, error) {
	return s.PatchRecord(ctx, caller, id, Patch{Name: &name, Description: &description, Value: &value})
}

// PatchRecord replaces only the fields set in patch. The merge happens inside
// the storage transaction, so fields left unset keep whatever is stored at
// commit time.
func (s *Store) PatchRecord(ctx context.Context, caller auth.Identity, id uint32, patch Patch) (bool, error) {
	if err := auth.Require(ctx, s.gate, caller); err != nil {
		return false, fmt.Errorf("update record: %w", err)
	}

	var (
		result  string
		updated Record
	)
	err := s.storage.Update(ctx, func(tx kv.Tx) error {
		rec, found, err := loadRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if !found {
			result = ResultNotFound
			return nil
		}
		if rec.Owner != caller {
			result = ResultNotOwner
			return nil
		}

		patch.apply(&rec)
		now := s.timestamp()
		if now < rec.UpdatedAt {
			now = rec.UpdatedAt
		}
		rec.UpdatedAt = now
		if err := storeRecord(ctx, tx, rec); err != nil {
			return err
		}
		updated = rec
		result = ResultSuccess
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("update record: %w", err)
	}

	s.report(ctx, ActionUpdate, id, caller, result)
	if result != ResultSuccess {
		s.emit(ctx, Event{Action: ActionUpdate, RecordID: id, Caller: caller, Result: result})
		return false, nil
	}
	s.emit(ctx, Event{Action: ActionUpdate, RecordID: id, Caller: caller, Result: result, Name: updated.Name, Value: updated.Value})
	return true, nil
}

// DeleteRecord follows the same false-on-rejection contract as UpdateRecord.
func (s *Store) DeleteRecord(ctx context.Context, caller auth.Identity, id uint32) (bool, error) {
	if err := auth.Require(ctx, s.gate, caller); err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}

	var result string
	err := s.storage.Update(ctx, func(tx kv.Tx) error {
		rec, found, err := loadRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if !found {
			result = ResultNotFound
			return nil
		}
		if rec.Owner != caller {
			result = ResultNotOwner
			return nil
		}

		if err := removeRecord(ctx, tx, id); err != nil {
			return err
		}
		ids, err := loadRecordsList(ctx, tx)
		if err != nil {
			return err
		}
		kept := make([]uint32, 0, len(ids))
		for _, existing := range ids {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		if err := storeRecordsList(ctx, tx, kept); err != nil {
			return err
		}
		result = ResultSuccess
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}

	s.report(ctx, ActionDelete, id, caller, result)
	s.emit(ctx, Event{Action: ActionDelete, RecordID: id, Caller: caller, Result: result})
	return result == ResultSuccess, nil
}

// ListRecords returns live records in creation order. Ids whose record is
// missing are skipped.
func (s *Store) ListRecords(ctx context.Context) ([]Record, error) {
	out, err := s.scan(ctx, func(Record) bool { return true })
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

func (s *Store) ListRecordsByOwner(ctx context.Context, owner auth.Identity) ([]Record, error) {
	out, err := s.scan(ctx, func(rec Record) bool { return rec.Owner == owner })
	if err != nil {
		return nil, fmt.Errorf("list records by owner: %w", err)
	}
	return out, nil
}

// RecordsCount is the number of live records, not the number ever created.
func (s *Store) RecordsCount(ctx context.Context) (uint32, error) {
	var count uint32
	err := s.storage.View(ctx, func(r kv.Reader) error {
		ids, err := loadRecordsList(ctx, r)
		if err != nil {
			return err
		}
		count = uint32(len(ids))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("records count: %w", err)
	}
	return count, nil
}

func (s *Store) scan(ctx context.Context, keep func(Record) bool) ([]Record, error) {
	out := []Record{}
	err := s.storage.View(ctx, func(r kv.Reader) error {
		ids, err := loadRecordsList(ctx, r)
		if err != nil {
			return err
		}
		for _, id := range ids {
			rec, found, err := loadRecord(ctx, r, id)
			if err != nil {
				return err
			}
			if !found {
				s.logger.WarnContext(ctx, "records list references missing record", "id", id)
				continue
			}
			if keep(rec) {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) timestamp() uint64 {
	sec := s.now().Unix()
	if sec < 0 {
		return 0
	}
	return uint64(sec)
}

func (s *Store) report(ctx context.Context, action string, id uint32, caller auth.Identity, result string) {
	switch result {
	case ResultSuccess:
		msg := "record updated"
		if action == ActionDelete {
			msg = "record deleted"
		}
		s.logger.InfoContext(ctx, msg, "id", id, "owner", caller.String())
	case ResultNotFound:
		s.logger.WarnContext(ctx, "record not found", "action", action, "id", id)
	case ResultNotOwner:
		s.logger.WarnContext(ctx, "caller is not the record owner", "action", action, "id", id, "caller", caller.String())
	}
}

func (s *Store) emit(ctx context.Context, event Event) {
	if s.journal == nil {
		return
	}
	if event.At.IsZero() {
		event.At = s.now().UTC()
	}
	if err := s.journal.Record(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "journal record event failed", "action", event.Action, "id", event.RecordID, "error", err)
	}
}
