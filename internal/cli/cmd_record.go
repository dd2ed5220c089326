package cli

import (
	"context"
	"strconv"
	"strings"

	"github.com/josealfredo79/20250829StellarSummerFriday/internal/auth"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/records"
	"github.com/spf13/cobra"
)

var recordsNeeds = sessionNeeds{records: true, audit: true}

func newRecordCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "record",
		Aliases: []string{"records"},
		Short:   "Create, read, update and delete records",
		Example: "  crudrecords record create --name disk --value 42\n" +
			"  crudrecords record ls --mine",
	}
	cmd.AddCommand(
		newRecordCreateCommand(deps),
		newRecordShowCommand(deps),
		newRecordUpdateCommand(deps),
		newRecordDeleteCommand(deps),
		newRecordListCommand(deps),
		newRecordCountCommand(deps),
	)
	return cmd
}

func newRecordCreateCommand(deps commandDeps) *cobra.Command {
	var (
		name        string
		description string
		value       uint64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a record owned by the caller",
		Example: "  crudrecords record create --name disk --description \"root volume\" --value 42\n" +
			"  crudrecords --json record create --name disk --value 42",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("record create does not accept positional arguments")
			}
			return withSession(cmd.Context(), deps, recordsNeeds, func(ctx context.Context, sess *session) error {
				ctx, caller, err := sess.caller(ctx)
				if err != nil {
					return err
				}
				id, err := sess.records.CreateRecord(ctx, caller, name, description, value)
				if err != nil {
					return sess.noteMutationError(ctx, records.ActionCreate, "", caller, err)
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"id": id})
				}
				return printText(deps, "id=%d\n", id)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Record name")
	cmd.Flags().StringVar(&description, "description", "", "Record description")
	cmd.Flags().Uint64Var(&value, "value", 0, "Record value")
	return cmd
}

func newRecordShowCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:     "show <id>",
		Aliases: []string{"get"},
		Short:   "Show a record",
		Example: "  crudrecords record show 1\n" +
			"  crudrecords --json record show 1",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("record show requires exactly one <id>")
			}
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), deps, sessionNeeds{records: true}, func(ctx context.Context, sess *session) error {
				rec, ok, err := sess.records.ReadRecord(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					return notFoundErrorf("record %d not found", id)
				}
				if deps.globals.JSON {
					return printJSON(deps.out, rec)
				}
				return printText(deps,
					"id=%d\nname=%s\ndescription=%s\nvalue=%d\nowner=%s\ncreated_at=%s\nupdated_at=%s\n",
					rec.ID,
					rec.Name,
					rec.Description,
					rec.Value,
					rec.Owner,
					formatUnix(rec.CreatedAt),
					formatUnix(rec.UpdatedAt),
				)
			})
		},
	}
}

func newRecordUpdateCommand(deps commandDeps) *cobra.Command {
	var (
		name        string
		description string
		value       uint64
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace a record's name, description and value",
		Long: "Replace a record's name, description and value. Fields whose flag is not\n" +
			"given keep their current value. Only the record's owner may update it.",
		Example: "  crudrecords record update 1 --value 43\n" +
			"  crudrecords record update 1 --name disk --description \"\" --value 0",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("record update requires exactly one <id>")
			}
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			var patch records.Patch
			if flags.Changed("name") {
				patch.Name = &name
			}
			if flags.Changed("description") {
				patch.Description = &description
			}
			if flags.Changed("value") {
				patch.Value = &value
			}
			if patch.Empty() {
				return usageErrorf("record update needs at least one of --name, --description, --value")
			}
			return withSession(cmd.Context(), deps, recordsNeeds, func(ctx context.Context, sess *session) error {
				ctx, caller, err := sess.caller(ctx)
				if err != nil {
					return err
				}
				updated, err := sess.records.PatchRecord(ctx, caller, id, patch)
				if err != nil {
					return sess.noteMutationError(ctx, records.ActionUpdate, strconv.FormatUint(uint64(id), 10), caller, err)
				}
				return reportMutation(deps, "updated", id, updated)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "New record name")
	cmd.Flags().StringVar(&description, "description", "", "New record description")
	cmd.Flags().Uint64Var(&value, "value", 0, "New record value")
	return cmd
}

func newRecordDeleteCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a record owned by the caller",
		Example: "  crudrecords record delete 1",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("record delete requires exactly one <id>")
			}
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), deps, recordsNeeds, func(ctx context.Context, sess *session) error {
				ctx, caller, err := sess.caller(ctx)
				if err != nil {
					return err
				}
				deleted, err := sess.records.DeleteRecord(ctx, caller, id)
				if err != nil {
					return sess.noteMutationError(ctx, records.ActionDelete, strconv.FormatUint(uint64(id), 10), caller, err)
				}
				return reportMutation(deps, "deleted", id, deleted)
			})
		},
	}
}

func newRecordListCommand(deps commandDeps) *cobra.Command {
	var (
		owner string
		mine  bool
	)
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List records in creation order",
		Example: "  crudrecords record ls\n" +
			"  crudrecords record ls --owner \"ssh-ed25519 AAAA...\"\n" +
			"  crudrecords record ls --mine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("record ls does not accept positional arguments")
			}
			if mine && strings.TrimSpace(owner) != "" {
				return usageErrorf("--owner and --mine are mutually exclusive")
			}
			return withSession(cmd.Context(), deps, sessionNeeds{records: true}, func(ctx context.Context, sess *session) error {
				var (
					list []records.Record
					err  error
				)
				switch {
				case mine:
					_, caller, callerErr := sess.caller(ctx)
					if callerErr != nil {
						return callerErr
					}
					list, err = sess.records.ListRecordsByOwner(ctx, caller)
				case strings.TrimSpace(owner) != "":
					identity, parseErr := auth.NormalizeIdentity(auth.Identity(strings.TrimSpace(owner)))
					if parseErr != nil {
						return usageErrorf("--owner: %v", parseErr)
					}
					list, err = sess.records.ListRecordsByOwner(ctx, identity)
				default:
					list, err = sess.records.ListRecords(ctx)
				}
				if err != nil {
					return err
				}

				if deps.globals.JSON {
					if list == nil {
						list = []records.Record{}
					}
					return printJSON(deps.out, list)
				}
				for _, rec := range list {
					if err := printText(deps, "%d name=%s value=%d owner=%s updated_at=%s\n",
						rec.ID, rec.Name, rec.Value, rec.Owner, formatUnix(rec.UpdatedAt)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Only records owned by this identity")
	cmd.Flags().BoolVar(&mine, "mine", false, "Only records owned by the caller")
	return cmd
}

func newRecordCountCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of live records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("record count does not accept positional arguments")
			}
			return withSession(cmd.Context(), deps, sessionNeeds{records: true}, func(ctx context.Context, sess *session) error {
				count, err := sess.records.RecordsCount(ctx)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"count": count})
				}
				return printText(deps, "%d\n", count)
			})
		},
	}
}

// reportMutation turns a false result into exit code 3. Missing records and
// records owned by someone else are reported the same way.
func reportMutation(deps commandDeps, verb string, id uint32, ok bool) error {
	if !ok {
		return notFoundErrorf("record %d not found or not owned by caller", id)
	}
	if deps.globals.JSON {
		return printJSON(deps.out, map[string]any{"id": id, verb: true})
	}
	return printText(deps, "%s id=%d\n", verb, id)
}

func parseRecordID(raw string) (uint32, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil || id == 0 {
		return 0, usageErrorf("invalid record id %q", raw)
	}
	return uint32(id), nil
}
