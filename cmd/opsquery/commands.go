package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/itsneelabh/opsquery"
	"github.com/itsneelabh/opsquery/api"
	"github.com/itsneelabh/opsquery/asset"
	"github.com/itsneelabh/opsquery/audit"
	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/orchestration"
	"github.com/itsneelabh/opsquery/tool"
)

func (c *cli) serveCmd() *cobra.Command {
	var (
		addr    string
		origins []string
		quiet   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			var extra []core.Option
			if addr != "" {
				extra = append(extra, core.WithHTTPAddress(addr))
			}
			e, err := c.openEngine(cmd.Context(), false, extra...)
			if err != nil {
				return err
			}
			defer e.Close(context.WithoutCancel(cmd.Context()))

			opts := []api.Option{api.WithQuietRequestLog(quiet)}
			if len(origins) > 0 {
				opts = append(opts, api.WithCORS(api.DefaultCORSConfig(origins...)))
			}
			return e.Serve(cmd.Context(), opts...)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.address)")
	cmd.Flags().StringSliceVar(&origins, "cors-origin", nil, "allowed CORS origin, * and *.domain patterns accepted")
	cmd.Flags().BoolVar(&quiet, "quiet-requests", false, "only log failed or slow requests")
	return cmd
}

func (c *cli) askCmd() *cobra.Command {
	var (
		mode         string
		intent       string
		requestsFile string
		scope        []string
		overrides    []string
	)
	cmd := &cobra.Command{
		Use:   "ask QUESTION...",
		Short: "Answer one question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := orchestration.Request{
				Question: strings.Join(args, " "),
				Tenant:   c.v.GetString("tenant"),
				Mode:     mode,
				Intent:   intent,
				Scope:    scope,
			}
			if requestsFile != "" {
				reqs, err := loadToolRequests(requestsFile)
				if err != nil {
					return err
				}
				req.ToolRequests = reqs
				if req.Mode == "" {
					req.Mode = orchestration.ModeDirect
				}
			}
			for _, s := range overrides {
				o, err := parseOverride(s)
				if err != nil {
					return err
				}
				req.Overrides = append(req.Overrides, o)
			}

			return c.withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				resp, err := b.Ask(ctx, req)
				if err != nil {
					return err
				}
				if c.v.GetBool("json") {
					if err := c.printJSON(resp); err != nil {
						return err
					}
				} else {
					c.renderResponse(resp)
				}
				if resp.Meta.Status != string(audit.StatusDone) {
					return fmt.Errorf("%w: status %s", errUnanswered, resp.Meta.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("tenant", "", "tenant the question is asked for")
	_ = c.v.BindPFlag("tenant", cmd.Flags().Lookup("tenant"))
	cmd.Flags().StringVar(&mode, "mode", "", "auto or direct")
	cmd.Flags().StringVar(&intent, "intent", "", "intent for direct mode")
	cmd.Flags().StringVar(&requestsFile, "requests", "", "JSON file of tool requests, implies direct mode")
	cmd.Flags().StringSliceVar(&scope, "scope", nil, "restrict the run to these tool ids")
	cmd.Flags().StringArrayVar(&overrides, "override", nil, "pin an asset version, type:name@version[/stage]")
	return cmd
}

// parseOverride reads "type:name@version" with an optional "/stage" suffix
func parseOverride(s string) (audit.Override, error) {
	var o audit.Override
	rest := s
	if i := strings.LastIndex(rest, "/"); i >= 0 {
		o.Stage = rest[i+1:]
		rest = rest[:i]
	}
	at := strings.LastIndex(rest, "@")
	colon := strings.Index(rest, ":")
	if colon <= 0 || at <= colon+1 {
		return o, fmt.Errorf("override %q: want type:name@version", s)
	}
	v, err := strconv.Atoi(rest[at+1:])
	if err != nil || v < 1 {
		return o, fmt.Errorf("override %q: version must be a positive integer", s)
	}
	o.Type = rest[:colon]
	o.Name = rest[colon+1 : at]
	o.Version = v
	return o, nil
}

func loadToolRequests(path string) ([]tool.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reqs []tool.Request
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return reqs, nil
}

func (c *cli) assetsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "assets", Short: "Manage versioned assets"}
	cmd.PersistentFlags().String("scope", "", "asset scope (default from assets.scope)")
	cmd.AddCommand(c.assetsImportCmd(), c.assetsListCmd(), c.assetsVersionsCmd(), c.assetsPublishCmd())
	return cmd
}

func (c *cli) assetScope(cmd *cobra.Command, e *opsquery.Engine) string {
	if s, _ := cmd.Flags().GetString("scope"); s != "" {
		return s
	}
	if e.Config.Assets.Scope != "" {
		return e.Config.Assets.Scope
	}
	return asset.DefaultScope
}

func (c *cli) assetsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import PATH...",
		Short: "Import asset bundles from files or directories",
		Long: `Import saves every bundle entry as a new draft unless its content matches
the latest version, and publishes entries marked publish: true.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(ctx context.Context, e *opsquery.Engine) error {
				var all []asset.ImportResult
				for _, path := range args {
					results, err := importPath(ctx, e.Assets, path)
					if err != nil {
						return err
					}
					all = append(all, results...)
				}
				if c.v.GetBool("json") {
					return c.printJSON(all)
				}
				c.renderImport(all)
				return nil
			})
		},
	}
}

func importPath(ctx context.Context, w asset.Writer, path string) ([]asset.ImportResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return asset.ImportDir(ctx, w, path)
	}
	b, err := asset.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return asset.Import(ctx, w, b)
}

func (c *cli) assetsListCmd() *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the latest published assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			types := asset.Types
			if typ != "" {
				t := asset.Type(typ)
				if !t.Valid() {
					return fmt.Errorf("unknown asset type %q", typ)
				}
				types = []asset.Type{t}
			}
			return c.withEngine(cmd.Context(), func(ctx context.Context, e *opsquery.Engine) error {
				scope := c.assetScope(cmd, e)
				var all []*asset.Asset
				for _, t := range types {
					items, err := e.Assets.List(ctx, t, scope)
					if err != nil {
						return err
					}
					all = append(all, items...)
				}
				if c.v.GetBool("json") {
					return c.printJSON(all)
				}
				c.renderAssets(all)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "only this asset type")
	return cmd
}

func (c *cli) assetsVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions TYPE NAME",
		Short: "List every version of one asset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(ctx context.Context, e *opsquery.Engine) error {
				items, err := e.Assets.Versions(ctx, asset.Type(args[0]), c.assetScope(cmd, e), args[1])
				if err != nil {
					return err
				}
				if c.v.GetBool("json") {
					return c.printJSON(items)
				}
				c.renderAssets(items)
				return nil
			})
		},
	}
}

func (c *cli) assetsPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish TYPE NAME VERSION",
		Short: "Publish a draft version",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[2])
			if err != nil || version < 1 {
				return fmt.Errorf("version must be a positive integer: %q", args[2])
			}
			return c.withEngine(cmd.Context(), func(ctx context.Context, e *opsquery.Engine) error {
				a, err := e.Assets.Publish(ctx, asset.Type(args[0]), c.assetScope(cmd, e), args[1], version)
				if err != nil {
					return err
				}
				if c.v.GetBool("json") {
					return c.printJSON(a)
				}
				c.renderAssets([]*asset.Asset{a})
				return nil
			})
		},
	}
}

func (c *cli) tracesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "traces", Short: "Inspect execution traces"}
	cmd.AddCommand(c.tracesListCmd(), c.tracesShowCmd())
	return cmd
}

func (c *cli) tracesListCmd() *cobra.Command {
	var (
		f     audit.Filter
		stat  string
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List traces, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = audit.Status(stat)
			if since > 0 {
				f.From = time.Now().Add(-since)
			}
			return c.withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				items, err := b.Traces(ctx, f)
				if err != nil {
					return err
				}
				if c.v.GetBool("json") {
					if items == nil {
						items = []audit.Summary{}
					}
					return c.printJSON(items)
				}
				c.renderTraceList(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Route, "route", "", "route filter")
	cmd.Flags().StringVar(&stat, "status", "", "status filter (done, rejected, failed, incomplete)")
	cmd.Flags().StringVar(&f.Tenant, "tenant", "", "tenant filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum traces, 0 for all")
	cmd.Flags().DurationVar(&since, "since", 0, "only traces started within this window")
	return cmd
}

func (c *cli) tracesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one trace with its stages and replan events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				t, err := b.Trace(ctx, args[0])
				if err != nil {
					return err
				}
				if c.v.GetBool("json") {
					return c.printJSON(t)
				}
				c.renderTrace(t)
				return nil
			})
		},
	}
}

func (c *cli) replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay ID",
		Short: "Re-run a trace with its plan and asset versions pinned",
		Long: `Replay exits with status 2 when any stage output differs from the
recorded trace, so it can gate asset changes in CI.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				res, err := b.Replay(ctx, args[0])
				if err != nil {
					return err
				}
				if c.v.GetBool("json") {
					if err := c.printJSON(res); err != nil {
						return err
					}
				} else {
					c.renderReplay(res)
				}
				if len(res.Differences) > 0 {
					return fmt.Errorf("%w: %d stage outputs changed", errRegression, len(res.Differences))
				}
				return nil
			})
		},
	}
}

func (c *cli) breakersCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "breakers",
		Short: "Show circuit breaker state",
		Long: `Breaker state lives in the serving process; use --server to inspect a
running API. Without it the table reflects a fresh local engine.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				if reset {
					if err := b.ResetBreakers(ctx); err != nil {
						return err
					}
				}
				list, err := b.Breakers(ctx)
				if err != nil {
					return err
				}
				if c.v.GetBool("json") {
					return c.printJSON(list)
				}
				c.renderBreakers(list)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "close every breaker first")
	return cmd
}
