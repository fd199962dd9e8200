package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/eqr/pbschema/migrations"
)

func newUpCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply every pending step in id order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			r, closeFn, err := c.runner(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			pending, err := r.Pending(ctx)
			if err != nil {
				return err
			}
			if err := r.ApplyAll(ctx); err != nil {
				return c.report(err)
			}
			c.printf("%s %d step(s)\n", verb(c.cfg.DryRun, "would apply", "applied"), len(pending))
			return nil
		},
	}
}

func newDownCmd(c *cli) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "down [n]",
		Short: "Revert the n most recently applied steps (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 1
			if len(args) == 1 {
				parsed, err := strconv.Atoi(args[0])
				if err != nil || parsed < 1 {
					return fmt.Errorf("invalid step count %q", args[0])
				}
				n = parsed
			}
			if to != "" && len(args) == 1 {
				return errors.New("use either a step count or --to, not both")
			}

			ctx := cmd.Context()
			r, closeFn, err := c.runner(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			before, err := r.Applied(ctx)
			if err != nil {
				return err
			}

			if to != "" {
				err = r.RevertTo(ctx, to)
			} else {
				err = r.Revert(ctx, n)
			}
			if err != nil {
				return c.report(err)
			}

			if c.cfg.DryRun {
				c.printf("dry run: nothing reverted\n")
				return nil
			}
			after, err := r.Applied(ctx)
			if err != nil {
				return err
			}
			c.printf("reverted %d step(s)\n", len(before)-len(after))
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "revert every step applied after this id, and the step itself")
	return cmd
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List steps with their applied state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			r, closeFn, err := c.runner(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			status, err := r.Status(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tAPPLIED AT\tDESCRIPTION")
			for _, st := range status {
				state, at := "pending", "-"
				if st.Applied {
					state = "applied"
					at = st.AppliedAt.UTC().Format(time.RFC3339)
				}
				if st.Orphaned {
					state = "orphaned"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.StepID, state, at, st.Description)
			}
			return w.Flush()
		},
	}
}

func newPendingCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List steps that have not been applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			r, closeFn, err := c.runner(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			pending, err := r.Pending(ctx)
			if err != nil {
				return err
			}
			for _, s := range pending {
				c.printf("%s\t%s\n", s.ID, s.Description)
			}
			return nil
		},
	}
}

func newPruneCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove ledger entries whose step file no longer exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			r, closeFn, err := c.runner(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			pruned, err := r.Prune(ctx)
			if err != nil {
				return err
			}
			for _, rec := range pruned {
				c.printf("%s %s\n", verb(c.cfg.DryRun, "would prune", "pruned"), rec.StepID)
			}
			return nil
		},
	}
}

func newCreateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Write a new step file stub",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name, body, err := migrations.NewStepFile(args[0], c.now())
			if err != nil {
				return err
			}

			if err := os.MkdirAll(c.cfg.Dir, 0o755); err != nil {
				return fmt.Errorf("create migrations dir: %w", err)
			}

			path := filepath.Join(c.cfg.Dir, name)
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err != nil {
				return fmt.Errorf("create %s: %w", path, err)
			}
			if _, err := f.Write(body); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", path, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}

			c.printf("created %s\n", path)
			c.printf("fill in its up and down actions before the next run; until then every command fails to load it\n")
			return nil
		},
	}
}

// report logs a step failure with its id before returning it.
func (c *cli) report(err error) error {
	var stepErr *migrations.StepError
	if errors.As(err, &stepErr) {
		c.logger.Error("stopped", "step", stepErr.StepID, "direction", stepErr.Direction)
	}
	return err
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func verb(dryRun bool, would, did string) string {
	if dryRun {
		return would
	}
	return did
}
