// Command opsquery runs the query orchestration engine as an HTTP service
// and gives operators a terminal view of answers, assets, traces and
// breakers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/itsneelabh/opsquery"
	"github.com/itsneelabh/opsquery/core"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// errUnanswered and errRegression give scripts a distinct exit code for
// outcomes that are not usage errors
var (
	errUnanswered = errors.New("question was not answered")
	errRegression = errors.New("replay differs from the recorded trace")
)

func exitCode(err error) int {
	if errors.Is(err, errUnanswered) || errors.Is(err, errRegression) {
		return 2
	}
	return 1
}

// cli carries what every command needs. Engine options are injectable so
// tests can swap the planner or add tools.
type cli struct {
	v          *viper.Viper
	out        io.Writer
	errOut     io.Writer
	engineOpts []opsquery.EngineOption
}

func newRootCmd(out, errOut io.Writer, engineOpts ...opsquery.EngineOption) *cobra.Command {
	c := &cli{v: viper.New(), out: out, errOut: errOut, engineOpts: engineOpts}
	c.v.SetEnvPrefix("OPSQUERY")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "opsquery",
		Short: "Operations query orchestration engine",
		Long: `opsquery answers operational questions by planning tool calls, validating
them against published policy assets, executing them with breakers and
retries, and composing the results into answer blocks. Every run leaves
an execution trace that can be inspected and replayed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "config file (YAML or JSON)")
	pf.Bool("json", false, "output JSON")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (json or text)")
	pf.String("redis-url", "", "store traces in Redis at this URL")
	pf.String("asset-db", "", "store assets in the SQLite database at this path")
	pf.String("server", "", "base URL of a running opsquery API; local engine when empty")
	for _, name := range []string{"config", "json", "log-level", "log-format", "redis-url", "asset-db", "server"} {
		_ = c.v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(
		c.serveCmd(),
		c.askCmd(),
		c.assetsCmd(),
		c.tracesCmd(),
		c.replayCmd(),
		c.breakersCmd(),
		c.versionCmd(),
	)
	return root
}

// openEngine builds an engine from --config and the environment. Commands
// other than serve log at warn unless asked otherwise, keeping stderr quiet.
func (c *cli) openEngine(ctx context.Context, quiet bool, extra ...core.Option) (*opsquery.Engine, error) {
	var cfgOpts []core.Option
	if path := c.v.GetString("config"); path != "" {
		cfgOpts = append(cfgOpts, core.WithConfigFile(path))
	}
	switch level := c.v.GetString("log-level"); {
	case level != "":
		cfgOpts = append(cfgOpts, core.WithLogLevel(level))
	case quiet:
		cfgOpts = append(cfgOpts, core.WithLogLevel("warn"))
	}
	if format := c.v.GetString("log-format"); format != "" {
		cfgOpts = append(cfgOpts, core.WithLogFormat(format))
	}
	if url := c.v.GetString("redis-url"); url != "" {
		cfgOpts = append(cfgOpts, core.WithRedisURL(url))
	}
	if path := c.v.GetString("asset-db"); path != "" {
		cfgOpts = append(cfgOpts, core.WithSQLiteAssets(path))
	}
	cfgOpts = append(cfgOpts, extra...)

	opts := append([]opsquery.EngineOption{opsquery.WithLogOutput(c.errOut)}, c.engineOpts...)
	return opsquery.New(ctx, cfgOpts, opts...)
}

// withEngine runs fn against a local engine and closes it afterwards
func (c *cli) withEngine(ctx context.Context, fn func(context.Context, *opsquery.Engine) error) error {
	e, err := c.openEngine(ctx, true)
	if err != nil {
		return err
	}
	defer e.Close(context.WithoutCancel(ctx))
	return fn(ctx, e)
}

// withBackend picks the remote API when --server is set, the local engine
// otherwise
func (c *cli) withBackend(ctx context.Context, fn func(context.Context, backend) error) error {
	if base := c.v.GetString("server"); base != "" {
		return fn(ctx, newRemote(base))
	}
	return c.withEngine(ctx, func(ctx context.Context, e *opsquery.Engine) error {
		return fn(ctx, localBackend{e: e})
	})
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine and API version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.v.GetBool("json") {
				return c.printJSON(map[string]string{"version": core.Version, "api_version": core.APIVersion})
			}
			fmt.Fprintf(c.out, "opsquery %s (api %s)\n", core.Version, core.APIVersion)
			return nil
		},
	}
}
