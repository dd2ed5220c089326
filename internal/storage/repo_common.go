package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Timestamps are stored as RFC3339Nano text in UTC so they sort lexically.
const sqlTimeLayout = time.RFC3339Nano

// eventID keeps a caller-supplied id and otherwise mints a time-ordered
// UUIDv7, falling back to v4 if the clock source fails.
func eventID(id string) string {
	if id != "" {
		return id
	}
	if v7, err := uuid.NewV7(); err == nil {
		return v7.String()
	}
	return uuid.NewString()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func sqlTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

func parseSQLTime(raw string) (time.Time, error) {
	t, err := time.Parse(sqlTimeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", raw, err)
	}
	return t.UTC(), nil
}
