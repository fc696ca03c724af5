package program

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

func newInstruction(programID solana.PublicKey, accounts solana.AccountMetaSlice, ix Instruction) (solana.Instruction, error) {
	data, err := EncodeInstruction(ix)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, accounts, data), nil
}

func NewInitializeMarketplaceInstruction(programID, authority solana.PublicKey, feePercentage uint16) (solana.Instruction, error) {
	marketplace, _, err := DeriveMarketplaceAddress(programID, authority)
	if err != nil {
		return nil, fmt.Errorf("derive marketplace address: %w", err)
	}
	return newInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(authority, true, true),
		solana.NewAccountMeta(marketplace, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}, &InitializeMarketplace{FeePercentage: feePercentage})
}

func NewListNftInstruction(programID, seller, mint, sellerTokenAccount, marketplace solana.PublicKey, price uint64) (solana.Instruction, error) {
	listing, _, err := DeriveListingAddress(programID, mint, seller)
	if err != nil {
		return nil, fmt.Errorf("derive listing address: %w", err)
	}
	return newInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(seller, true, true),
		solana.NewAccountMeta(listing, true, false),
		solana.NewAccountMeta(mint, false, false),
		solana.NewAccountMeta(sellerTokenAccount, true, false),
		solana.NewAccountMeta(marketplace, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}, &ListNft{Price: price})
}

type BuyNftAccounts struct {
	Buyer              solana.PublicKey
	BuyerTokenAccount  solana.PublicKey
	SellerTokenAccount solana.PublicKey
	Seller             solana.PublicKey
	FeeRecipient       solana.PublicKey
	Mint               solana.PublicKey
	Marketplace        solana.PublicKey
}

func NewBuyNftInstruction(programID solana.PublicKey, accounts BuyNftAccounts) (solana.Instruction, error) {
	listing, _, err := DeriveListingAddress(programID, accounts.Mint, accounts.Seller)
	if err != nil {
		return nil, fmt.Errorf("derive listing address: %w", err)
	}
	return newInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Buyer, true, true),
		solana.NewAccountMeta(listing, true, false),
		solana.NewAccountMeta(accounts.BuyerTokenAccount, true, false),
		solana.NewAccountMeta(accounts.SellerTokenAccount, true, false),
		solana.NewAccountMeta(accounts.Seller, true, false),
		solana.NewAccountMeta(accounts.FeeRecipient, true, false),
		solana.NewAccountMeta(accounts.Mint, false, false),
		solana.NewAccountMeta(accounts.Marketplace, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, &BuyNft{})
}

func NewCancelListingInstruction(programID, seller, mint solana.PublicKey) (solana.Instruction, error) {
	listing, _, err := DeriveListingAddress(programID, mint, seller)
	if err != nil {
		return nil, fmt.Errorf("derive listing address: %w", err)
	}
	return newInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(seller, true, true),
		solana.NewAccountMeta(listing, true, false),
		solana.NewAccountMeta(mint, false, false),
	}, &CancelListing{})
}

func NewUpdateMarketplaceFeeInstruction(programID, authority solana.PublicKey, newFeePercentage uint16) (solana.Instruction, error) {
	marketplace, _, err := DeriveMarketplaceAddress(programID, authority)
	if err != nil {
		return nil, fmt.Errorf("derive marketplace address: %w", err)
	}
	return newInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(authority, false, true),
		solana.NewAccountMeta(marketplace, true, false),
	}, &UpdateMarketplaceFee{NewFeePercentage: newFeePercentage})
}

var instructionAccountNames = map[InstructionTag][]string{
	TagInitializeMarketplace: {"authority", "marketplace", "system_program", "rent"},
	TagListNft:               {"seller", "listing", "mint", "seller_token", "marketplace", "system_program", "rent"},
	TagBuyNft:                {"buyer", "listing", "buyer_token", "seller_token", "seller", "fee_recipient", "mint", "marketplace", "token_program", "system_program"},
	TagCancelListing:         {"seller", "listing", "mint"},
	TagUpdateMarketplaceFee:  {"authority", "marketplace"},
}

// AccountNames lists the role of each account position expected by tag.
func AccountNames(tag InstructionTag) []string {
	return instructionAccountNames[tag]
}

// NamedAccounts pairs keys with their roles. Extra keys are ignored and
// missing ones are absent from the map.
func NamedAccounts(tag InstructionTag, keys []solana.PublicKey) map[string]solana.PublicKey {
	names := instructionAccountNames[tag]
	out := make(map[string]solana.PublicKey, len(names))
	for i, name := range names {
		if i >= len(keys) {
			break
		}
		out[name] = keys[i]
	}
	return out
}
