package cli

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/coldbell/nftmarket/backend/internal/config"
	"github.com/coldbell/nftmarket/backend/internal/indexer"
	"github.com/spf13/cobra"
)

func openStore(opts *RootOptions) (*indexer.Store, error) {
	cfg, err := config.LoadIndexerConfig()
	if err != nil {
		return nil, err
	}
	store, err := indexer.NewStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	opts.logger.Debug("store opened", "driver", store.Driver())
	return store, nil
}

type cursorResult struct {
	LastProcessedSlot uint64 `json:"last_processed_slot"`
}

func newCursorCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or move the poller cursor",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the last processed slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			defer store.Close()

			slot, err := store.LastProcessedSlot(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd, cursorResult{LastProcessedSlot: slot}, func(w io.Writer) {
				fmt.Fprintln(w, slot)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <slot>",
		Short: "Overwrite the last processed slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid slot %q: %w", args[0], err)
			}
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SetLastProcessedSlot(cmd.Context(), slot); err != nil {
				return err
			}
			opts.logger.Info("cursor moved", "slot", slot)
			return opts.print(cmd, cursorResult{LastProcessedSlot: slot}, func(w io.Writer) {
				fmt.Fprintf(w, "cursor set to %d\n", slot)
			})
		},
	})
	return cmd
}

func newGapsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gaps",
		Short: "List slot ranges the poller failed to process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			defer store.Close()

			gaps, err := store.ListGaps(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd, gaps, func(w io.Writer) {
				if len(gaps) == 0 {
					fmt.Fprintln(w, "no gaps")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "START\tEND\tATTEMPTS\tLAST ERROR")
				for _, gap := range gaps {
					fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", gap.StartSlot, gap.EndSlot, gap.Attempts, gap.LastError)
				}
				_ = tw.Flush()
			})
		},
	}
}

func newBackfillCommand(opts *RootOptions) *cobra.Command {
	var from, to uint64
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Sweep a slot range without moving the cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if to < from {
				return fmt.Errorf("--to (%d) must not be below --from (%d)", to, from)
			}
			cfg, err := config.LoadIndexerConfig()
			if err != nil {
				return err
			}
			cfg.ProgramID = opts.programIDOr(cfg.ProgramID)

			svc, err := indexer.New(cfg, opts.logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			stats, err := svc.Poller().SweepRange(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			return opts.print(cmd, stats, func(w io.Writer) {
				fmt.Fprintf(w, "swept %d-%d: %d blocks, %d transactions, %d failed batches, %d failed blocks\n",
					stats.From, stats.To, stats.Blocks, stats.Transactions, stats.FailedBatches, stats.FailedBlocks)
			})
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "first slot (inclusive)")
	cmd.Flags().Uint64Var(&to, "to", 0, "last slot (inclusive)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newListingsCommand(opts *RootOptions) *cobra.Command {
	var filter indexer.ListingFilter
	cmd := &cobra.Command{
		Use:   "listings",
		Short: "Query mirrored listings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			defer store.Close()

			listings, _, _, err := store.ListListings(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return opts.print(cmd, listings, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "LISTING\tMINT\tSELLER\tPRICE\tSTATUS\tSLOT")
				for _, l := range listings {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\n", l.ListingAddress, l.NftMint, l.SellerAddress, l.Price, l.Status, l.Slot)
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&filter.Seller, "seller", "", "filter by seller")
	cmd.Flags().StringVar(&filter.Mint, "mint", "", "filter by mint")
	cmd.Flags().StringVar(&filter.Marketplace, "marketplace", "", "filter by marketplace")
	cmd.Flags().StringVar(&filter.Status, "status", "", "filter by status (active|sold|cancelled)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "page offset")
	return cmd
}

func newActivitiesCommand(opts *RootOptions) *cobra.Command {
	var filter indexer.ActivityFilter
	cmd := &cobra.Command{
		Use:   "activities",
		Short: "Query the mirrored activity feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			defer store.Close()

			activities, _, _, err := store.ListActivities(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return opts.print(cmd, activities, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TYPE\tMINT\tFROM\tTO\tPRICE\tSLOT\tSIGNATURE")
				for _, a := range activities {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
						a.ActivityType, deref(a.NftMint), deref(a.FromAddress), deref(a.ToAddress), formatPrice(a.Price), a.Slot, a.TransactionSignature)
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&filter.Mint, "mint", "", "filter by mint")
	cmd.Flags().StringVar(&filter.Type, "type", "", "filter by activity type")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "page offset")
	return cmd
}

func deref(value *string) string {
	if value == nil {
		return "-"
	}
	return *value
}

func formatPrice(value *uint64) string {
	if value == nil {
		return "-"
	}
	return strconv.FormatUint(*value, 10)
}
