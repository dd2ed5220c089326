package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/josealfredo79/20250829StellarSummerFriday/internal/audit"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/auth"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/config"
	debugpkg "github.com/josealfredo79/20250829StellarSummerFriday/internal/debug"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/records"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/storage"
	"github.com/spf13/cobra"
)

func newDebugCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "debug",
		Short:   "Diagnostics helpers",
		Example: "  crudrecords debug bundle --output ./crudrecords-debug.json",
	}
	cmd.AddCommand(newDebugBundleCommand(deps))
	return cmd
}

func newDebugBundleCommand(deps commandDeps) *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Collect sanitized diagnostics into a JSON bundle",
		Example: "  crudrecords debug bundle --output ./crudrecords-debug.json\n" +
			"  crudrecords --json debug bundle --output ./crudrecords-debug.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("debug bundle does not accept positional arguments")
			}
			if strings.TrimSpace(outputPath) == "" {
				return usageErrorf("debug bundle requires --output")
			}

			bundle := debugpkg.NewBundle()
			bundle.Version = map[string]any{
				"version":    deps.build.Version,
				"commit":     deps.build.Commit,
				"build_time": deps.build.BuildTime,
			}
			collectDiagnostics(cmd.Context(), deps, &bundle)

			if err := debugpkg.WriteBundle(outputPath, bundle); err != nil {
				return mapCommandError(err)
			}
			if deps.globals.JSON {
				return printJSON(deps.out, map[string]any{
					"output":  outputPath,
					"healthy": bundle.Healthy(),
				})
			}
			return mapCommandError(printText(deps, "debug bundle written: %s\n", outputPath))
		},
	}
	cmd.Flags().StringVar(&outputPath, "output", "", "Output JSON bundle path")
	return cmd
}

// collectDiagnostics records what it can and keeps going after a failed
// check.
func collectDiagnostics(ctx context.Context, deps commandDeps, bundle *debugpkg.Bundle) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfigFn(loadOptions(deps.globals))
	bundle.AddCheck("config", err, "loaded")
	if err != nil {
		return
	}
	bundle.Config = map[string]any{
		"backend":       cfg.Storage.Backend,
		"storage_path":  cfg.Storage.Path,
		"auth_mode":     cfg.Auth.Mode,
		"max_proof_age": cfg.Auth.MaxProofAge.String(),
		"clock_skew":    cfg.Auth.ClockSkew.String(),
		"identity_file": cfg.Auth.IdentityFile,
		"audit_enabled": cfg.Audit.Enabled,
		"log_level":     cfg.Logging.Level,
	}
	if cfg.Storage.Backend == config.BackendDynamoDB {
		bundle.Config["dynamodb_table"] = cfg.DynamoDB.Table
		bundle.Config["dynamodb_region"] = cfg.DynamoDB.Region
		bundle.Config["dynamodb_static_credentials"] = cfg.DynamoDB.AccessKeyID != ""
	}

	signer, err := auth.LoadSigner(cfg.Auth.IdentityFile)
	if err == nil {
		bundle.AddCheck("identity", nil, signer.Identity().String())
		signer.Destroy()
	} else {
		bundle.AddCheck("identity", err, "")
	}

	if cfg.Storage.Backend != config.BackendSQLite && !cfg.Audit.Enabled {
		bundle.Notes = append(bundle.Notes, "no local database in use")
		return
	}
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		bundle.AddCheck("storage", err, "")
		return
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	bundle.AddCheck("storage", err, fmt.Sprintf("schema v%d", version))
	bundle.Storage = map[string]any{"schema_version": version}

	if cfg.Storage.Backend == config.BackendSQLite {
		recordStore, err := records.New(store, auth.DenyAll())
		if err == nil {
			var count uint32
			count, err = recordStore.RecordsCount(ctx)
			bundle.Storage["records_count"] = count
		}
		bundle.AddCheck("records", err, "readable")
	} else {
		bundle.Notes = append(bundle.Notes, fmt.Sprintf("records live in the %s backend", cfg.Storage.Backend))
	}

	if cfg.Audit.Enabled {
		svc, err := audit.NewService(ctx, store.Audit)
		if err != nil {
			bundle.AddCheck("audit", err, "")
			return
		}
		result, err := svc.Verify(ctx)
		if err == nil && !result.Valid {
			err = fmt.Errorf("chain invalid: %s", result.Error)
		}
		if result != nil {
			bundle.Storage["audit_events"] = result.EventCount
		}
		bundle.AddCheck("audit", err, "chain valid")
	}
}
