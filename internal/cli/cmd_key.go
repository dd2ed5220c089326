package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/josealfredo79/20250829StellarSummerFriday/internal/audit"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/auth"
	"github.com/spf13/cobra"
)

func newKeyCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Caller identity keys",
		Example: "  crudrecords key generate\n" +
			"  crudrecords key show",
	}
	cmd.AddCommand(
		newKeyGenerateCommand(deps),
		newKeyShowCommand(deps),
	)
	return cmd
}

func newKeyGenerateCommand(deps commandDeps) *cobra.Command {
	var (
		out     string
		comment string
	)
	cmd := &cobra.Command{
		Use:     "generate",
		Aliases: []string{"gen"},
		Short:   "Generate an ed25519 identity key",
		Long: "Generate an ed25519 keypair. The private key is written with mode 0600 and\n" +
			"the public half next to it with a .pub suffix. The public key line is the\n" +
			"identity that owns the records this key creates.",
		Example: "  crudrecords key generate\n" +
			"  crudrecords key generate --out ./alice_ed25519 --comment alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("key generate does not accept positional arguments")
			}
			return withSession(cmd.Context(), deps, sessionNeeds{audit: true}, func(ctx context.Context, sess *session) error {
				path := strings.TrimSpace(out)
				if path == "" {
					path = sess.cfg.Auth.IdentityFile
				}
				identity, err := auth.GenerateKey(path, comment)
				if err != nil {
					return err
				}
				sess.logger.Info("identity key generated", "path", path)

				if sess.audit != nil {
					if err := sess.audit.Record(ctx, audit.Event{
						Action:     audit.ActionKeyGenerate,
						TargetType: audit.TargetTypeKey,
						TargetID:   path,
						Actor:      identity.String(),
						Details: map[string]any{
							"comment": comment,
						},
					}); err != nil {
						sess.logger.Error("audit key generate", "error", err)
					}
				}

				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{
						"path":     path,
						"identity": identity,
					})
				}
				return printText(deps, "path=%s\nidentity=%s\n", path, identity)
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Private key path (defaults to auth.identity_file)")
	cmd.Flags().StringVar(&comment, "comment", "", "Comment stored with the public key")
	return cmd
}

func newKeyShowCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the identity of the configured key",
		Example: "  crudrecords key show\n" +
			"  crudrecords --identity ./alice_ed25519 key show",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("key show does not accept positional arguments")
			}
			return withSession(cmd.Context(), deps, sessionNeeds{}, func(_ context.Context, sess *session) error {
				signer, err := sess.loadSigner()
				if err != nil {
					if errors.Is(err, os.ErrNotExist) {
						return notFoundErrorf("no identity key at %s: run `crudrecords key generate`", sess.cfg.Auth.IdentityFile)
					}
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{
						"path":     sess.cfg.Auth.IdentityFile,
						"identity": signer.Identity(),
					})
				}
				_, err = fmt.Fprintln(deps.out, signer.Identity())
				return err
			})
		},
	}
}
