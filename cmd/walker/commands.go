package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"backend-pawwalk/internal/auth"
	"backend-pawwalk/internal/walk"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push every pending record once and print the reports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				reports, err := rt.sweeper.SyncAll(ctx)
				kinds := make([]string, 0, len(reports))
				for kind := range reports {
					kinds = append(kinds, kind)
				}
				sort.Strings(kinds)

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KIND\tATTEMPTED\tSYNCED\tFAILED\tCONFLICTS")
				for _, kind := range kinds {
					r := reports[kind]
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", kind, r.Attempted, r.Synced, r.Failed, r.Conflicts)
				}
				if ferr := w.Flush(); ferr != nil {
					return ferr
				}
				fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", rt.status.Current())
				return err
			})
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List walks in the local store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				walks, err := rt.manager.List(ctx)
				if err != nil {
					return err
				}
				return printWalks(cmd.OutOrStdout(), walks)
			})
		},
	}
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <walk-id>",
		Short: "Print one walk with its summary as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				rec, err := rt.manager.Get(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Walk    walk.Record `json:"walk"`
					Summary any         `json:"summary"`
				}{rec, rec.Summary(time.Now())})
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print total and pending record counts per kind",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				if err := rt.store.Ping(ctx); err != nil {
					return err
				}
				counts, err := rt.store.Counts(ctx)
				if err != nil {
					return err
				}
				kinds := make([]string, 0, len(counts))
				for kind := range counts {
					kinds = append(kinds, kind)
				}
				sort.Strings(kinds)

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KIND\tTOTAL\tPENDING")
				for _, kind := range kinds {
					fmt.Fprintf(w, "%s\t%d\t%d\n", kind, counts[kind][0], counts[kind][1])
				}
				return w.Flush()
			})
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <walk-id>",
		Short: "Remove a synced walk from the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				if err := rt.walks.Purge(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
				return nil
			})
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a device token for the records API with JWT_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := auth.NewSigner(loadConfig().JWTSecret).SignToken(subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "walker or owner id the device acts for")
	cmd.Flags().StringVar(&role, "role", "walker", "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTTL, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func withRuntime(ctx context.Context, fn func(context.Context, *runtime) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := loadConfig()
	log := newLogger(cfg)
	defer func() { _ = log.Sync() }()

	rt, err := openRuntime(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.PushTimeout)
		defer cancel()
		rt.close(closeCtx)
	}()
	return fn(ctx, rt)
}

func printWalks(out io.Writer, walks []walk.Record) error {
	sort.Slice(walks, func(i, j int) bool {
		return walks[i].ScheduledStart.Before(walks[j].ScheduledStart)
	})
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDOG\tSCHEDULED\tSTATUS\tDISTANCE_M\tSYNCED")
	for _, rec := range walks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\t%t\n",
			rec.ID, rec.DogID, rec.ScheduledStart.Format(time.RFC3339), rec.Status, rec.DistanceM, rec.IsSynced)
	}
	return w.Flush()
}
