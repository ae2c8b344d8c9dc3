package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gluk-w/claworc/ide/internal/config"
	"github.com/gluk-w/claworc/ide/internal/logging"
	"github.com/gluk-w/claworc/ide/internal/workspace"
)

type rootOptions struct {
	apiURL    string
	wsURL     string
	token     string
	sessionID string
	timeout   time.Duration
	verbose   bool
}

// prepare loads IDE_* settings and applies flag overrides.
func (r *rootOptions) prepare() error {
	if err := config.Load(); err != nil {
		return err
	}
	if r.apiURL != "" {
		config.Cfg.APIURL = r.apiURL
	}
	if r.wsURL != "" {
		config.Cfg.WSURL = r.wsURL
	}
	if r.token != "" {
		config.Cfg.Token = r.token
	}
	if r.sessionID != "" {
		config.Cfg.SessionID = r.sessionID
	}
	if r.timeout > 0 {
		config.Cfg.HTTPTimeout = r.timeout
	}
	return logging.Init(config.Cfg.LogPath, r.verbose)
}

func (r *rootOptions) workspace(cmd *cobra.Command) (*workspace.Workspace, error) {
	return workspace.New(config.Cfg, cmd.OutOrStdout())
}

func main() {
	err := newRootCmd().Execute()
	logging.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "ide-session",
		Short:         "Talk to a remote IDE session: terminal, deploys, commands and logs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.apiURL, "api-url", "", "backend base URL (overrides IDE_API_URL)")
	rootCmd.PersistentFlags().StringVar(&opts.wsURL, "ws-url", "", "WebSocket base URL (defaults to the API URL with a ws scheme)")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", "", "bearer token (overrides IDE_TOKEN)")
	rootCmd.PersistentFlags().StringVarP(&opts.sessionID, "session", "s", "", "session id (overrides IDE_SESSION_ID)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "HTTP request timeout (overrides IDE_HTTP_TIMEOUT)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log component diagnostics to stderr (IDE_LOG_PATH also logs to a file)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return opts.prepare()
	}

	rootCmd.AddCommand(newSessionCmd(opts))
	rootCmd.AddCommand(newAttachCmd(opts))
	rootCmd.AddCommand(newDeployCmd(opts))
	rootCmd.AddCommand(newTemplatesCmd(opts))
	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newLogsCmd(opts))
	rootCmd.AddCommand(newProjectConfigCmd(opts))
	return rootCmd
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func newSessionCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Show the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := root.workspace(cmd)
			if err != nil {
				return err
			}
			defer w.Close()
			ctx, cancel := signalContext(cmd)
			defer cancel()

			sess, err := w.API.GetSession(ctx, w.SessionID())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ID\t%s\n", sess.ID)
			fmt.Fprintf(tw, "HOST\t%s\n", sess.Host)
			fmt.Fprintf(tw, "USER\t%s\n", sess.Username)
			fmt.Fprintf(tw, "STATE\t%s\n", sess.State)
			return tw.Flush()
		},
	}
}

func newTemplatesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List command templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := root.workspace(cmd)
			if err != nil {
				return err
			}
			defer w.Close()
			ctx, cancel := signalContext(cmd)
			defer cancel()

			tmpls, err := w.API.ListTemplates(ctx, w.SessionID())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCOMMAND\tPARAMS")
			for _, t := range tmpls {
				params := make([]string, 0, len(t.Params))
				for _, p := range t.Params {
					name := p.Name
					if p.Required {
						name += "*"
					} else if p.Default != "" {
						name += "=" + p.Default
					}
					params = append(params, name)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Command, strings.Join(params, ","))
			}
			return tw.Flush()
		},
	}
}

func newExecCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec TEMPLATE [KEY=VALUE...]",
		Short: "Run a command template",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			w, err := root.workspace(cmd)
			if err != nil {
				return err
			}
			defer w.Close()
			ctx, cancel := signalContext(cmd)
			defer cancel()

			w.Commands.FetchTemplates(ctx)
			rec, err := w.Commands.Execute(ctx, args[0], params)
			if err != nil {
				return err
			}
			if rec.Result != nil {
				fmt.Fprint(cmd.OutOrStdout(), rec.Result.Stdout)
				fmt.Fprint(cmd.ErrOrStderr(), rec.Result.Stderr)
				if rec.Result.ExitCode != 0 {
					return fmt.Errorf("%s exited with code %d", args[0], rec.Result.ExitCode)
				}
			}
			return nil
		},
	}
}

func parseParams(args []string) (map[string]string, error) {
	params := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q (want KEY=VALUE)", a)
		}
		params[k] = v
	}
	return params, nil
}

func newLogsCmd(root *rootOptions) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs SERVICE",
		Short: "Show the most recent log lines of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := root.workspace(cmd)
			if err != nil {
				return err
			}
			defer w.Close()
			ctx, cancel := signalContext(cmd)
			defer cancel()

			entries, err := w.Logs.Fetch(ctx, args[0], lines)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.Timestamp != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", e.Timestamp, e.Line)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), e.Line)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 0, "number of lines (defaults to IDE_LOG_LINES)")
	return cmd
}

func newProjectConfigCmd(root *rootOptions) *cobra.Command {
	var rootPath string
	cmd := &cobra.Command{
		Use:   "project-config",
		Short: "Show the project configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := root.workspace(cmd)
			if err != nil {
				return err
			}
			defer w.Close()
			ctx, cancel := signalContext(cmd)
			defer cancel()

			cfg, err := w.ProjectConfig(ctx, rootPath)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "NAME\t%s\n", cfg.Name)
			fmt.Fprintf(tw, "ROOT\t%s\n", cfg.RootPath)
			if cfg.Runtime != "" {
				fmt.Fprintf(tw, "RUNTIME\t%s\n", cfg.Runtime)
			}
			if len(cfg.Services) > 0 {
				fmt.Fprintf(tw, "SERVICES\t%s\n", strings.Join(cfg.Services, ", "))
			}
			keys := make([]string, 0, len(cfg.Env))
			for k := range cfg.Env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(tw, "ENV\t%s=%s\n", k, cfg.Env[k])
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&rootPath, "root", "", "sub-project root path")
	return cmd
}
