package log

import (
	"context"
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

// Record values and names are ordinary data; only credentials and proof
// material are withheld.
var sensitiveFields = map[string]struct{}{
	"secret":      {},
	"token":       {},
	"password":    {},
	"passphrase":  {},
	"private_key": {},
	"signature":   {},
	"nonce":       {},
	"credentials": {},

	"secret_access_key": {},
	"secretaccesskey":   {},
}

// pemPrivateKeyMarker catches key material logged under an innocent name.
const pemPrivateKeyMarker = "PRIVATE KEY-----"

type RedactingHandler struct {
	inner slog.Handler
}

func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fallback := slog.NewRecord(record.Time, slog.LevelError, "redaction handler panic recovered", record.PC)
			fallback.AddAttrs(slog.String("panic", redacted))
			err = h.inner.Handle(ctx, fallback)
		}
	}()

	clean := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(redactAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		clean = append(clean, redactAttr(attr))
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(clean)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(attr slog.Attr) slog.Attr {
	if _, ok := sensitiveFields[strings.ToLower(attr.Key)]; ok {
		return slog.String(attr.Key, redacted)
	}

	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindGroup:
		group := value.Group()
		nested := make([]slog.Attr, 0, len(group))
		for _, inner := range group {
			nested = append(nested, redactAttr(inner))
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(nested...)}
	case slog.KindString:
		if strings.Contains(value.String(), pemPrivateKeyMarker) {
			return slog.String(attr.Key, redacted)
		}
	}
	return attr
}
