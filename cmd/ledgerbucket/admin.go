package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ledgerbucket/internal/metadata"
	"ledgerbucket/internal/reconcile"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show live object, bucket and byte counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "Objects:\t%d\n", st.Objects)
			_, _ = fmt.Fprintf(w, "Buckets:\t%d\n", st.Buckets)
			_, _ = fmt.Fprintf(w, "Bytes:\t%d\n", st.Bytes)
			return w.Flush()
		},
	}
}

func newBucketsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "buckets",
		Aliases: []string{"ls"},
		Short:   "List buckets",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			buckets, err := store.ListBuckets(cmd.Context())
			if err != nil {
				return err
			}

			if len(buckets) == 0 {
				fmt.Println("No buckets found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tCREATED")
			for _, b := range buckets {
				_, _ = fmt.Fprintf(w, "%s\t%s\n", b.Name, b.CreatedAt.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <bucket> <key>",
		Short: "Show every record written for a key, newest first",
		Long: `Show every metadata record written for a key, including superseded and
deleted ones, so each backend receipt the key ever pointed at can be
accounted for.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.History(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			if len(records) == 0 {
				fmt.Println("No records found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "LAST MODIFIED\tSTATE\tSIZE\tETAG\tRECEIPT")
			for i, rec := range records {
				state := metadata.HistoryState(records, i)
				if state == metadata.StateDeleted {
					state += " " + rec.DeletedAt.UTC().Format(time.RFC3339)
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					rec.LastModified.UTC().Format(time.RFC3339Nano), state, rec.Size, rec.ETag, rec.ReceiptID)
			}
			return w.Flush()
		},
	}
}

func newReconcileCmd() *cobra.Command {
	var (
		concurrency int
		minAge      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "List backend receipts no metadata record references",
		Long: `Walk every receipt in the backend and report those that no metadata
record references. These are payloads whose metadata commit failed after the
backend accepted them. Receipts younger than --min-age are skipped because
their upload may still be committing. Nothing is deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			provider := newBackendProvider(cfg)
			report, err := reconcile.FindOrphans(cmd.Context(), provider, store, concurrency, reconcile.WithMinAge(minAge))
			if err != nil {
				return err
			}

			for _, id := range report.Orphans {
				fmt.Printf("%s\t%s\n", id, provider.Location(id))
			}
			fmt.Fprintf(os.Stderr, "Scanned %d receipts, %d unreferenced, %d too recent to judge.\n",
				report.Scanned, len(report.Orphans), report.Recent)
			return nil
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", reconcile.DefaultConcurrency, "parallel metadata lookups")
	cmd.Flags().DurationVar(&minAge, "min-age", reconcile.DefaultMinAge, "skip receipts minted more recently than this")
	return cmd
}
