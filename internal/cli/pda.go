package cli

import (
	"fmt"
	"io"

	"github.com/coldbell/nftmarket/backend/internal/program"
	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
)

type pdaResult struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`
	Bump    uint8  `json:"bump"`
}

func newPDACommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pda",
		Short: "Derive marketplace program addresses",
	}
	cmd.AddCommand(newMarketplacePDACommand(opts))
	cmd.AddCommand(newListingPDACommand(opts))
	cmd.AddCommand(newFeePDACommand(opts))
	return cmd
}

func newMarketplacePDACommand(opts *RootOptions) *cobra.Command {
	var authority string
	cmd := &cobra.Command{
		Use:   "marketplace",
		Short: "Derive the marketplace address of an authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			authorityKey, err := parsePubkeyFlag("authority", authority)
			if err != nil {
				return err
			}
			address, bump, err := program.DeriveMarketplaceAddress(opts.programID, authorityKey)
			if err != nil {
				return err
			}
			return printPDA(cmd, opts, pdaResult{Kind: "marketplace", Address: address.String(), Bump: bump})
		},
	}
	cmd.Flags().StringVar(&authority, "authority", "", "marketplace authority")
	return cmd
}

func newListingPDACommand(opts *RootOptions) *cobra.Command {
	var mint, seller string
	cmd := &cobra.Command{
		Use:   "listing",
		Short: "Derive the listing address of a (mint, seller) pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			mintKey, err := parsePubkeyFlag("mint", mint)
			if err != nil {
				return err
			}
			sellerKey, err := parsePubkeyFlag("seller", seller)
			if err != nil {
				return err
			}
			address, bump, err := program.DeriveListingAddress(opts.programID, mintKey, sellerKey)
			if err != nil {
				return err
			}
			return printPDA(cmd, opts, pdaResult{Kind: "listing", Address: address.String(), Bump: bump})
		},
	}
	cmd.Flags().StringVar(&mint, "mint", "", "NFT mint")
	cmd.Flags().StringVar(&seller, "seller", "", "seller wallet")
	return cmd
}

func newFeePDACommand(opts *RootOptions) *cobra.Command {
	var marketplace, authority string
	cmd := &cobra.Command{
		Use:   "fee",
		Short: "Derive the fee address of a marketplace",
		RunE: func(cmd *cobra.Command, args []string) error {
			var marketplaceKey solana.PublicKey
			switch {
			case marketplace != "":
				key, err := parsePubkeyFlag("marketplace", marketplace)
				if err != nil {
					return err
				}
				marketplaceKey = key
			case authority != "":
				authorityKey, err := parsePubkeyFlag("authority", authority)
				if err != nil {
					return err
				}
				marketplaceKey, _, err = program.DeriveMarketplaceAddress(opts.programID, authorityKey)
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("one of --marketplace or --authority is required")
			}
			address, bump, err := program.DeriveFeeAddress(opts.programID, marketplaceKey)
			if err != nil {
				return err
			}
			return printPDA(cmd, opts, pdaResult{Kind: "fee", Address: address.String(), Bump: bump})
		},
	}
	cmd.Flags().StringVar(&marketplace, "marketplace", "", "marketplace address")
	cmd.Flags().StringVar(&authority, "authority", "", "marketplace authority, used when --marketplace is empty")
	return cmd
}

func printPDA(cmd *cobra.Command, opts *RootOptions, result pdaResult) error {
	return opts.print(cmd, result, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s (bump %d)\n", result.Kind, result.Address, result.Bump)
	})
}
