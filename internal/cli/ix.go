package cli

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/coldbell/nftmarket/backend/internal/program"
	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
)

type encodedInstruction struct {
	Instruction string `json:"instruction"`
	Hex         string `json:"hex"`
	Base58      string `json:"base58"`
	Base64      string `json:"base64"`
}

type decodedInstruction struct {
	Instruction string              `json:"instruction"`
	Tag         uint8               `json:"tag"`
	Fields      program.Instruction `json:"fields"`
}

func newIxCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ix",
		Short: "Encode and decode marketplace instruction data",
	}
	cmd.AddCommand(newIxEncodeCommand(opts))
	cmd.AddCommand(newIxDecodeCommand(opts))
	return cmd
}

func newIxEncodeCommand(opts *RootOptions) *cobra.Command {
	var (
		fee   uint16
		price uint64
	)
	cmd := &cobra.Command{
		Use:       "encode <init-marketplace|list|buy|cancel|update-fee>",
		Short:     "Encode instruction data",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"init-marketplace", "list", "buy", "cancel", "update-fee"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var ix program.Instruction
			switch args[0] {
			case "init-marketplace":
				ix = &program.InitializeMarketplace{FeePercentage: fee}
			case "list":
				ix = &program.ListNft{Price: price}
			case "buy":
				ix = &program.BuyNft{}
			case "cancel":
				ix = &program.CancelListing{}
			case "update-fee":
				ix = &program.UpdateMarketplaceFee{NewFeePercentage: fee}
			default:
				return fmt.Errorf("unknown instruction %q", args[0])
			}

			data, err := program.EncodeInstruction(ix)
			if err != nil {
				return err
			}
			result := encodedInstruction{
				Instruction: ix.Tag().String(),
				Hex:         hex.EncodeToString(data),
				Base58:      solana.Base58(data).String(),
				Base64:      base64.StdEncoding.EncodeToString(data),
			}
			return opts.print(cmd, result, func(w io.Writer) {
				fmt.Fprintf(w, "%s\nhex:    %s\nbase58: %s\nbase64: %s\n", result.Instruction, result.Hex, result.Base58, result.Base64)
			})
		},
	}
	cmd.Flags().Uint16Var(&fee, "fee", 0, "fee in basis points (init-marketplace, update-fee)")
	cmd.Flags().Uint64Var(&price, "price", 0, "price in lamports (list)")
	return cmd
}

func newIxDecodeCommand(opts *RootOptions) *cobra.Command {
	var encoding string
	cmd := &cobra.Command{
		Use:   "decode <data>",
		Short: "Decode instruction data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := decodeBytes(encoding, args[0])
			if err != nil {
				return err
			}
			ix, err := program.DecodeInstruction(data)
			if err != nil {
				return err
			}
			result := decodedInstruction{
				Instruction: ix.Tag().String(),
				Tag:         uint8(ix.Tag()),
				Fields:      ix,
			}
			return opts.print(cmd, result, func(w io.Writer) {
				fmt.Fprintf(w, "%s %+v\n", result.Instruction, ix)
			})
		},
	}
	cmd.Flags().StringVar(&encoding, "encoding", "hex", "input encoding (hex|base58|base64)")
	return cmd
}

func decodeBytes(encoding, value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	switch encoding {
	case "hex":
		return hex.DecodeString(strings.TrimPrefix(value, "0x"))
	case "base58":
		var out solana.Base58
		if err := out.UnmarshalJSON([]byte(`"` + value + `"`)); err != nil {
			return nil, err
		}
		return out, nil
	case "base64":
		return base64.StdEncoding.DecodeString(value)
	default:
		return nil, fmt.Errorf("unsupported encoding %q (expected hex|base58|base64)", encoding)
	}
}
