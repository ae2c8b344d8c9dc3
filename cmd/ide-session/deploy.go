package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/gluk-w/claworc/ide/internal/api"
	"github.com/gluk-w/claworc/ide/internal/config"
	"github.com/gluk-w/claworc/ide/internal/deploy"
)

func newDeployCmd(root *rootOptions) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "deploy MANIFEST",
		Short: "Deploy the files listed in a YAML manifest and wait for the result",
		Long: `Deploy the files listed in a YAML manifest and poll until the deployment
completes or fails. Interrupting the command cancels the deployment.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := config.LoadManifest(args[0])
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

			if follow {
				if err := w.Open(ctx); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			unsubscribe := w.Deploys.OnChange(phasePrinter(out))
			defer unsubscribe()

			if _, err := w.DeployManifest(ctx, m); err != nil {
				return err
			}
			snap, err := w.Deploys.Wait(ctx)
			if errors.Is(err, context.Canceled) {
				fmt.Fprintln(out, "interrupted, cancelling deployment")
				cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer ccancel()
				if err := w.Deploys.Cancel(cctx); err != nil {
					return err
				}
				snap = w.Deploys.Snapshot()
			} else if err != nil {
				return err
			}
			return deployResult(snap)
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "also listen for pushed progress on the session connection")
	cmd.AddCommand(newDeployActionCmd(root, "cancel", "Cancel a deployment", (*api.Client).CancelDeploy))
	cmd.AddCommand(newDeployActionCmd(root, "rollback", "Roll back a deployment", (*api.Client).RollbackDeploy))
	cmd.AddCommand(newDeployStatusCmd(root))
	return cmd
}

func phasePrinter(out io.Writer) func(deploy.Snapshot) {
	var last deploy.Phase
	return func(s deploy.Snapshot) {
		if s.Phase == last {
			return
		}
		last = s.Phase
		if id := s.DeployID(); id != "" {
			fmt.Fprintf(out, "%s  %s\n", id, s.Phase)
		} else {
			fmt.Fprintln(out, s.Phase)
		}
	}
}

func deployResult(s deploy.Snapshot) error {
	if s.Err != nil {
		return s.Err
	}
	if s.Phase == deploy.PhaseFailed {
		return fmt.Errorf("deployment %s failed", s.DeployID())
	}
	return nil
}

func newDeployActionCmd(root *rootOptions, name, short string, action func(*api.Client, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " DEPLOY_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := root.workspace(cmd)
			if err != nil {
				return err
			}
			defer w.Close()
			ctx, cancel := signalContext(cmd)
			defer cancel()

			if err := action(w.API, ctx, args[0]); err != nil {
				return err
			}
			st, err := w.API.GetDeploy(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", st.DeployID, st.State)
			return nil
		},
	}
}

func newDeployStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status DEPLOY_ID",
		Short: "Show the status of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := root.workspace(cmd)
			if err != nil {
				return err
			}
			defer w.Close()
			ctx, cancel := signalContext(cmd)
			defer cancel()

			st, err := w.API.GetDeploy(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", st.DeployID, st.State)
			if len(st.Details) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", st.Details)
			}
			return nil
		},
	}
}
