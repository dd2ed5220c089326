package cli

import (
	"io"
	"time"

	"github.com/spf13/cobra"
)

const defaultCommandTimeout = 30 * time.Second

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// GlobalOptions are the persistent flags shared by every command.
type GlobalOptions struct {
	ConfigPath   string
	DBPath       string
	Backend      string
	IdentityFile string
	As           string
	AuthMode     string
	LogLevel     string
	JSON         bool
	Quiet        bool
	Timeout      time.Duration
}

type commandDeps struct {
	out     io.Writer
	errOut  io.Writer
	build   BuildInfo
	globals *GlobalOptions
}

func NewRootCommand(out io.Writer, build BuildInfo) *cobra.Command {
	globals := &GlobalOptions{}
	cmd := &cobra.Command{
		Use:   "crudrecords",
		Short: "Owner-authorized record store",
		Long: "crudrecords stores named records with a numeric value. Anyone can read them;\n" +
			"only the identity that created a record may update or delete it.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageErrorf("%v", err)
	})

	deps := commandDeps{
		out:     out,
		errOut:  cmd.ErrOrStderr(),
		build:   build,
		globals: globals,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&globals.ConfigPath, "config", "", "Config file path")
	flags.StringVar(&globals.DBPath, "db", "", "SQLite database path")
	flags.StringVar(&globals.Backend, "backend", "", "Storage backend (sqlite|memory|dynamodb)")
	flags.StringVar(&globals.IdentityFile, "identity", "", "Private key used to sign requests")
	flags.StringVar(&globals.As, "as", "", "Caller identity to assert when auth mode is allow-all")
	flags.StringVar(&globals.AuthMode, "auth-mode", "", "Auth mode (signature|allow-all)")
	flags.StringVar(&globals.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	flags.BoolVar(&globals.JSON, "json", false, "Print machine-readable JSON")
	flags.BoolVar(&globals.Quiet, "quiet", false, "Suppress non-error output")
	flags.DurationVar(&globals.Timeout, "timeout", defaultCommandTimeout, "Per-command timeout")

	cmd.AddCommand(
		newRecordCommand(deps),
		newKeyCommand(deps),
		newAuditCommand(deps),
		newDebugCommand(deps),
		newVersionCommand(deps),
	)
	cmd.InitDefaultCompletionCmd()
	return cmd
}
