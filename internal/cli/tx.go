package cli

import (
	"fmt"
	"io"

	"github.com/coldbell/nftmarket/backend/internal/config"
	"github.com/coldbell/nftmarket/backend/internal/program"
	"github.com/coldbell/nftmarket/backend/internal/submitter"
	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
)

type txResult struct {
	Instruction string `json:"instruction"`
	Signature   string `json:"signature"`
	Signer      string `json:"signer"`
}

func newTxCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tx",
		Short: "Sign and submit marketplace transactions",
	}
	cmd.AddCommand(newTxInitMarketplaceCommand(opts))
	cmd.AddCommand(newTxListCommand(opts))
	cmd.AddCommand(newTxBuyCommand(opts))
	cmd.AddCommand(newTxCancelCommand(opts))
	cmd.AddCommand(newTxUpdateFeeCommand(opts))
	return cmd
}

func openSubmitter(opts *RootOptions) (*submitter.Service, error) {
	cfg, err := config.LoadSubmitterConfig()
	if err != nil {
		return nil, err
	}
	cfg.ProgramID = opts.programIDOr(cfg.ProgramID)
	return submitter.New(cfg, opts.logger)
}

func printTx(cmd *cobra.Command, opts *RootOptions, service *submitter.Service, instruction string, sig solana.Signature) error {
	result := txResult{Instruction: instruction, Signature: sig.String(), Signer: service.Signer().String()}
	return opts.print(cmd, result, func(w io.Writer) {
		fmt.Fprintf(w, "%s confirmed: %s\n", result.Instruction, result.Signature)
	})
}

// resolveMarketplace prefers an explicit --marketplace and otherwise derives
// the address from authority.
func resolveMarketplace(programID solana.PublicKey, marketplace, authority string) (solana.PublicKey, error) {
	if marketplace != "" {
		return parsePubkeyFlag("marketplace", marketplace)
	}
	authorityKey, err := parsePubkeyFlag("authority", authority)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("one of --marketplace or --authority is required: %w", err)
	}
	address, _, err := program.DeriveMarketplaceAddress(programID, authorityKey)
	return address, err
}

func newTxInitMarketplaceCommand(opts *RootOptions) *cobra.Command {
	var fee uint16
	cmd := &cobra.Command{
		Use:   "init-marketplace",
		Short: "Create the signer's marketplace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fee > program.MaxFeePercentage {
				return fmt.Errorf("%w: %d exceeds %d bps", program.ErrInvalidFeePercentage, fee, program.MaxFeePercentage)
			}
			service, err := openSubmitter(opts)
			if err != nil {
				return err
			}
			sig, err := service.InitializeMarketplace(cmd.Context(), fee)
			if err != nil {
				return err
			}
			return printTx(cmd, opts, service, "initialize_marketplace", sig)
		},
	}
	cmd.Flags().Uint16Var(&fee, "fee", 0, "fee in basis points")
	_ = cmd.MarkFlagRequired("fee")
	return cmd
}

func newTxListCommand(opts *RootOptions) *cobra.Command {
	var (
		mint, sellerToken      string
		marketplace, authority string
		price                  uint64
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an NFT owned by the signer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if price == 0 {
				return program.ErrInvalidPrice
			}
			mintKey, err := parsePubkeyFlag("mint", mint)
			if err != nil {
				return err
			}
			sellerTokenKey, err := parsePubkeyFlag("seller-token", sellerToken)
			if err != nil {
				return err
			}
			service, err := openSubmitter(opts)
			if err != nil {
				return err
			}
			marketplaceKey, err := resolveMarketplace(service.ProgramID(), marketplace, authority)
			if err != nil {
				return err
			}
			sig, err := service.ListNft(cmd.Context(), mintKey, sellerTokenKey, marketplaceKey, price)
			if err != nil {
				return err
			}
			return printTx(cmd, opts, service, "list_nft", sig)
		},
	}
	cmd.Flags().StringVar(&mint, "mint", "", "NFT mint")
	cmd.Flags().StringVar(&sellerToken, "seller-token", "", "seller token account holding the NFT")
	cmd.Flags().StringVar(&marketplace, "marketplace", "", "marketplace address")
	cmd.Flags().StringVar(&authority, "authority", "", "marketplace authority, used when --marketplace is empty")
	cmd.Flags().Uint64Var(&price, "price", 0, "price in lamports")
	return cmd
}

func newTxBuyCommand(opts *RootOptions) *cobra.Command {
	var (
		seller, mint            string
		buyerToken, sellerToken string
		marketplace, authority  string
		feeRecipient            string
	)
	cmd := &cobra.Command{
		Use:   "buy",
		Short: "Buy a listed NFT with the signer's wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var accounts program.BuyNftAccounts
			var err error
			if accounts.Seller, err = parsePubkeyFlag("seller", seller); err != nil {
				return err
			}
			if accounts.Mint, err = parsePubkeyFlag("mint", mint); err != nil {
				return err
			}
			if accounts.BuyerTokenAccount, err = parsePubkeyFlag("buyer-token", buyerToken); err != nil {
				return err
			}
			if accounts.SellerTokenAccount, err = parsePubkeyFlag("seller-token", sellerToken); err != nil {
				return err
			}
			recipient := feeRecipient
			if recipient == "" {
				recipient = authority
			}
			if accounts.FeeRecipient, err = parsePubkeyFlag("fee-recipient", recipient); err != nil {
				return err
			}

			service, err := openSubmitter(opts)
			if err != nil {
				return err
			}
			if accounts.Marketplace, err = resolveMarketplace(service.ProgramID(), marketplace, authority); err != nil {
				return err
			}
			sig, err := service.BuyNft(cmd.Context(), accounts)
			if err != nil {
				return err
			}
			return printTx(cmd, opts, service, "buy_nft", sig)
		},
	}
	cmd.Flags().StringVar(&seller, "seller", "", "seller wallet")
	cmd.Flags().StringVar(&mint, "mint", "", "NFT mint")
	cmd.Flags().StringVar(&buyerToken, "buyer-token", "", "buyer token account receiving the NFT")
	cmd.Flags().StringVar(&sellerToken, "seller-token", "", "seller token account holding the NFT")
	cmd.Flags().StringVar(&marketplace, "marketplace", "", "marketplace address")
	cmd.Flags().StringVar(&authority, "authority", "", "marketplace authority")
	cmd.Flags().StringVar(&feeRecipient, "fee-recipient", "", "fee recipient wallet, defaults to --authority")
	return cmd
}

func newTxCancelCommand(opts *RootOptions) *cobra.Command {
	var mint string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the signer's listing for a mint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mintKey, err := parsePubkeyFlag("mint", mint)
			if err != nil {
				return err
			}
			service, err := openSubmitter(opts)
			if err != nil {
				return err
			}
			sig, err := service.CancelListing(cmd.Context(), mintKey)
			if err != nil {
				return err
			}
			return printTx(cmd, opts, service, "cancel_listing", sig)
		},
	}
	cmd.Flags().StringVar(&mint, "mint", "", "NFT mint")
	return cmd
}

func newTxUpdateFeeCommand(opts *RootOptions) *cobra.Command {
	var fee uint16
	cmd := &cobra.Command{
		Use:   "update-fee",
		Short: "Change the fee of the signer's marketplace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fee > program.MaxFeePercentage {
				return fmt.Errorf("%w: %d exceeds %d bps", program.ErrInvalidFeePercentage, fee, program.MaxFeePercentage)
			}
			service, err := openSubmitter(opts)
			if err != nil {
				return err
			}
			sig, err := service.UpdateMarketplaceFee(cmd.Context(), fee)
			if err != nil {
				return err
			}
			return printTx(cmd, opts, service, "update_marketplace_fee", sig)
		},
	}
	cmd.Flags().Uint16Var(&fee, "fee", 0, "new fee in basis points")
	_ = cmd.MarkFlagRequired("fee")
	return cmd
}
