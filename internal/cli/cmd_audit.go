package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/josealfredo79/20250829StellarSummerFriday/internal/audit"
	"github.com/spf13/cobra"
)

var auditNeeds = sessionNeeds{audit: true}

func newAuditCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log operations",
		Example: "  crudrecords audit ls --limit 50\n" +
			"  crudrecords audit verify",
	}
	cmd.AddCommand(
		newAuditListCommand(deps),
		newAuditVerifyCommand(deps),
	)
	return cmd
}

func newAuditListCommand(deps commandDeps) *cobra.Command {
	var (
		action string
		target string
		actor  string
		since  string
		until  string
		limit  int
	)
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List audit events",
		Example: "  crudrecords audit ls\n" +
			"  crudrecords audit ls --action record.delete --since 24h\n" +
			"  crudrecords audit ls --target 7 --limit 20",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("audit ls does not accept positional arguments")
			}
			if limit < 0 {
				return usageErrorf("audit ls --limit must be >= 0")
			}
			filter := audit.Filter{
				Action:   action,
				TargetID: target,
				Actor:    actor,
				Limit:    limit,
			}
			now := time.Now().UTC()
			var err error
			if filter.Since, err = parseTimeBound("since", since, now); err != nil {
				return err
			}
			if filter.Until, err = parseTimeBound("until", until, now); err != nil {
				return err
			}

			return withSession(cmd.Context(), deps, auditNeeds, func(ctx context.Context, sess *session) error {
				if sess.audit == nil {
					return usageErrorf("audit log is disabled (audit.enabled = false)")
				}
				events, err := sess.audit.List(ctx, filter)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					if events == nil {
						events = []audit.RecordedEvent{}
					}
					return printJSON(deps.out, events)
				}
				for _, event := range events {
					if err := printText(deps,
						"%s %s action=%s target=%s/%s result=%s\n",
						event.Timestamp.Format(time.RFC3339),
						event.ID,
						event.Action,
						event.TargetType,
						event.TargetID,
						event.Result,
					); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "Only events with this action (e.g. record.update)")
	cmd.Flags().StringVar(&target, "target", "", "Only events for this target id")
	cmd.Flags().StringVar(&actor, "actor", "", "Only events by this identity")
	cmd.Flags().StringVar(&since, "since", "", "Only events at or after this time (RFC3339 or a duration like 24h)")
	cmd.Flags().StringVar(&until, "until", "", "Only events at or before this time (RFC3339 or a duration like 1h)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of events")
	return cmd
}

func newAuditVerifyCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify audit hash chain integrity",
		Example: "  crudrecords audit verify\n" +
			"  crudrecords --json audit verify",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("audit verify does not accept positional arguments")
			}
			return withSession(cmd.Context(), deps, auditNeeds, func(ctx context.Context, sess *session) error {
				if sess.audit == nil {
					return usageErrorf("audit log is disabled (audit.enabled = false)")
				}
				result, err := sess.audit.Verify(ctx)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					if err := printJSON(deps.out, result); err != nil {
						return err
					}
				} else if err := printText(deps,
					"valid=%t events=%d chain_tip=%s error=%s\n",
					result.Valid,
					result.EventCount,
					result.ChainTip,
					result.Error,
				); err != nil {
					return err
				}
				if !result.Valid {
					return &ExitError{Code: ExitCodeGeneric, Err: fmt.Errorf("audit chain invalid: %s", result.Error)}
				}
				return nil
			})
		},
	}
}

// parseTimeBound accepts an RFC3339 timestamp or a duration counted back
// from now.
func parseTimeBound(name, raw string, now time.Time) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		ts = ts.UTC()
		return &ts, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return nil, usageErrorf("--%s must be an RFC3339 time or a positive duration (got %q)", name, raw)
	}
	ts := now.Add(-d)
	return &ts, nil
}
