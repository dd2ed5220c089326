package records

import (
	"context"
	"fmt"
	"strconv"

	"github.com/josealfredo79/20250829StellarSummerFriday/internal/kv"
	"github.com/ugorji/go/codec"
)

const (
	counterKey      = "counter"
	recordsListKey  = "records_list"
	recordKeyPrefix = "record/"
)

var msgpack codec.MsgpackHandle

func recordKey(id uint32) string {
	return recordKeyPrefix + strconv.FormatUint(uint64(id), 10)
}

func encodeValue(v any) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, &msgpack)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeValue(data []byte, v any) error {
	dec := codec.NewDecoderBytes(data, &msgpack)
	return dec.Decode(v)
}

func loadCounter(ctx context.Context, r kv.Reader) (uint32, error) {
	raw, ok, err := r.Get(ctx, counterKey)
	if err != nil {
		return 0, fmt.Errorf("load counter: %w", err)
	}
	if !ok {
		return 0, nil
	}
	var counter uint32
	if err := decodeValue(raw, &counter); err != nil {
		return 0, fmt.Errorf("decode counter: %w", err)
	}
	return counter, nil
}

func storeCounter(ctx context.Context, tx kv.Tx, counter uint32) error {
	raw, err := encodeValue(counter)
	if err != nil {
		return fmt.Errorf("encode counter: %w", err)
	}
	if err := tx.Set(ctx, counterKey, raw); err != nil {
		return fmt.Errorf("store counter: %w", err)
	}
	return nil
}

func loadRecordsList(ctx context.Context, r kv.Reader) ([]uint32, error) {
	raw, ok, err := r.Get(ctx, recordsListKey)
	if err != nil {
		return nil, fmt.Errorf("load records list: %w", err)
	}
	if !ok {
		return []uint32{}, nil
	}
	ids := []uint32{}
	if err := decodeValue(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode records list: %w", err)
	}
	return ids, nil
}

func storeRecordsList(ctx context.Context, tx kv.Tx, ids []uint32) error {
	raw, err := encodeValue(ids)
	if err != nil {
		return fmt.Errorf("encode records list: %w", err)
	}
	if err := tx.Set(ctx, recordsListKey, raw); err != nil {
		return fmt.Errorf("store records list: %w", err)
	}
	return nil
}

func loadRecord(ctx context.Context, r kv.Reader, id uint32) (Record, bool, error) {
	raw, ok, err := r.Get(ctx, recordKey(id))
	if err != nil {
		return Record{}, false, fmt.Errorf("load record %d: %w", id, err)
	}
	if !ok {
		return Record{}, false, nil
	}
	var rec Record
	if err := decodeValue(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode record %d: %w", id, err)
	}
	return rec, true, nil
}

func storeRecord(ctx context.Context, tx kv.Tx, rec Record) error {
	raw, err := encodeValue(rec)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", rec.ID, err)
	}
	if err := tx.Set(ctx, recordKey(rec.ID), raw); err != nil {
		return fmt.Errorf("store record %d: %w", rec.ID, err)
	}
	return nil
}

func removeRecord(ctx context.Context, tx kv.Tx, id uint32) error {
	if err := tx.Remove(ctx, recordKey(id)); err != nil {
		return fmt.Errorf("remove record %d: %w", id, err)
	}
	return nil
}
