package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/josealfredo79/20250829StellarSummerFriday/internal/audit"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/auth"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/config"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/kv"
	applog "github.com/josealfredo79/20250829StellarSummerFriday/internal/log"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/records"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/storage"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/storage/dynamostore"
)

var (
	loadConfigFn = config.Load
	openDynamoFn = func(ctx context.Context, cfg config.Config, logger *slog.Logger) (kv.Storage, error) {
		return dynamostore.Open(ctx, dynamoConfig(cfg, logger))
	}
)

func dynamoConfig(cfg config.Config, logger *slog.Logger) dynamostore.Config {
	return dynamostore.Config{
		Region:          cfg.DynamoDB.Region,
		Endpoint:        cfg.DynamoDB.Endpoint,
		TableName:       cfg.DynamoDB.Table,
		AccessKeyID:     cfg.DynamoDB.AccessKeyID,
		SecretAccessKey: cfg.DynamoDB.SecretAccessKey,
		CreateTable:     cfg.DynamoDB.CreateTable,
		MaxAttempts:     cfg.DynamoDB.MaxAttempts,
		Logger:          logger,
	}
}

// session holds what one command invocation opened. The SQLite file at
// storage.path always carries the audit log; with the sqlite backend it
// carries the records as well.
type session struct {
	deps    commandDeps
	cfg     config.Config
	logger  *slog.Logger
	local   *storage.Store
	audit   *audit.Service
	records *records.Store
	signer  *auth.Signer
	closers []io.Closer
}

type sessionNeeds struct {
	records bool
	audit   bool
}

func withSession(cmdCtx context.Context, deps commandDeps, needs sessionNeeds, fn func(context.Context, *session) error) error {
	if cmdCtx == nil {
		cmdCtx = context.Background()
	}
	timeout := defaultCommandTimeout
	if deps.globals != nil && deps.globals.Timeout > 0 {
		timeout = deps.globals.Timeout
	}
	ctx, cancel := context.WithTimeout(cmdCtx, timeout)
	defer cancel()

	sess, err := openSession(ctx, deps, needs)
	if err != nil {
		return mapCommandError(err)
	}
	defer sess.Close()

	return mapCommandError(fn(ctx, sess))
}

func openSession(ctx context.Context, deps commandDeps, needs sessionNeeds) (_ *session, err error) {
	cfg, err := loadConfigFn(loadOptions(deps.globals))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := applog.New(applog.Options{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
		Stderr:    deps.errOut,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: logging: %v", config.ErrInvalidConfig, err)
	}

	sess := &session{
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		closers: []io.Closer{logCloser},
	}
	defer func() {
		if err != nil {
			sess.Close()
		}
	}()

	needLocal := (needs.audit && cfg.Audit.Enabled) ||
		(needs.records && cfg.Storage.Backend == config.BackendSQLite)
	if needLocal {
		local, err := storage.Open(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		sess.local = local
		sess.closers = append(sess.closers, local)
	}

	if needs.audit && cfg.Audit.Enabled {
		svc, err := audit.NewService(ctx, sess.local.Audit)
		if err != nil {
			return nil, err
		}
		sess.audit = svc
	}

	if needs.records {
		backing, err := sess.openRecordStorage(ctx)
		if err != nil {
			return nil, err
		}
		opts := []records.Option{records.WithLogger(logger)}
		if sess.audit != nil {
			opts = append(opts, records.WithJournal(audit.NewRecordJournal(sess.audit)))
		}
		store, err := records.New(backing, sess.gate(), opts...)
		if err != nil {
			return nil, err
		}
		sess.records = store
	}

	logger.Debug("session opened",
		"backend", cfg.Storage.Backend,
		"auth_mode", cfg.Auth.Mode,
		"audit", sess.audit != nil,
	)
	return sess, nil
}

func (sess *session) openRecordStorage(ctx context.Context) (kv.Storage, error) {
	switch sess.cfg.Storage.Backend {
	case config.BackendSQLite:
		return sess.local, nil
	case config.BackendMemory:
		sess.logger.Warn("memory backend keeps records only for the lifetime of this process")
		return kv.NewMemory(), nil
	case config.BackendDynamoDB:
		return openDynamoFn(ctx, sess.cfg, sess.logger)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalidConfig, sess.cfg.Storage.Backend)
	}
}

func (sess *session) gate() auth.Gate {
	if sess.cfg.Auth.Mode == config.AuthModeAllowAll {
		return auth.AllowAll()
	}
	return auth.NewSignatureGate(auth.SignatureGateOptions{
		MaxAge:    sess.cfg.Auth.MaxProofAge,
		ClockSkew: sess.cfg.Auth.ClockSkew,
	})
}

// loadSigner reads the configured identity key once per invocation.
func (sess *session) loadSigner() (*auth.Signer, error) {
	if sess.signer != nil {
		return sess.signer, nil
	}
	signer, err := auth.LoadSigner(sess.cfg.Auth.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("load identity %s: %w", sess.cfg.Auth.IdentityFile, err)
	}
	sess.signer = signer
	return signer, nil
}

// caller resolves the identity a mutation acts as. In signature mode the
// returned context carries a fresh proof, so call it once per mutation.
func (sess *session) caller(ctx context.Context) (context.Context, auth.Identity, error) {
	asserted := auth.Identity(strings.TrimSpace(sess.deps.globals.As))
	if !asserted.IsZero() {
		normalized, err := auth.NormalizeIdentity(asserted)
		if err != nil {
			return ctx, "", usageErrorf("--as: %v", err)
		}
		asserted = normalized
	}

	if sess.cfg.Auth.Mode == config.AuthModeAllowAll {
		if !asserted.IsZero() {
			return ctx, asserted, nil
		}
		signer, err := sess.loadSigner()
		if err != nil {
			return ctx, "", usageErrorf("no caller identity: pass --as or create a key with `crudrecords key generate` (%v)", err)
		}
		return ctx, signer.Identity(), nil
	}

	signer, err := sess.loadSigner()
	if err != nil {
		return ctx, "", err
	}
	signed, err := signer.Authorize(ctx)
	if err != nil {
		return ctx, "", err
	}
	if !asserted.IsZero() {
		return signed, asserted, nil
	}
	return signed, signer.Identity(), nil
}

// noteMutationError leaves a system.auth-failure entry in the audit log when
// the gate rejected the caller.
func (sess *session) noteMutationError(ctx context.Context, action string, target string, caller auth.Identity, err error) error {
	if err == nil || !errors.Is(err, auth.ErrUnauthorized) {
		return err
	}
	sess.logger.Warn("caller rejected", "action", action, "target", target, "error", err)
	if sess.audit == nil {
		return err
	}
	recordErr := sess.audit.Record(context.WithoutCancel(ctx), audit.Event{
		Action:     audit.ActionSystemAuthFailure,
		TargetType: audit.TargetTypeSystem,
		TargetID:   target,
		Result:     "denied",
		Actor:      caller.String(),
		Details: map[string]any{
			"attempted": action,
		},
	})
	if recordErr != nil {
		sess.logger.Error("audit auth failure", "error", recordErr)
	}
	return err
}

func (sess *session) Close() {
	if sess == nil {
		return
	}
	sess.signer.Destroy()
	for i := len(sess.closers) - 1; i >= 0; i-- {
		_ = sess.closers[i].Close()
	}
	sess.closers = nil
}

func loadOptions(globals *GlobalOptions) config.LoadOptions {
	opts := config.LoadOptions{}
	if globals == nil {
		return opts
	}
	opts.ConfigPath = strings.TrimSpace(globals.ConfigPath)
	opts.Flags = config.FlagOverrides{
		Backend:      nonEmpty(globals.Backend),
		DBPath:       nonEmpty(globals.DBPath),
		AuthMode:     nonEmpty(globals.AuthMode),
		IdentityFile: nonEmpty(globals.IdentityFile),
		LogLevel:     nonEmpty(globals.LogLevel),
	}
	return opts
}

func nonEmpty(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

// printText writes a status line unless --quiet is set.
func printText(deps commandDeps, format string, args ...any) error {
	if deps.globals != nil && deps.globals.Quiet {
		return nil
	}
	_, err := fmt.Fprintf(deps.out, format, args...)
	return err
}

func formatUnix(seconds uint64) string {
	return time.Unix(int64(seconds), 0).UTC().Format(time.RFC3339)
}
