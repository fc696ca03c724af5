package program

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	marketplaceSeed = []byte("marketplace")
	listingSeed     = []byte("listing")
	feeSeed         = []byte("fee")
)

func DeriveMarketplaceAddress(programID, authority solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{marketplaceSeed, authority.Bytes()}, programID)
}

func DeriveListingAddress(programID, mint, seller solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{listingSeed, mint.Bytes(), seller.Bytes()}, programID)
}

func DeriveFeeAddress(programID, marketplace solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{feeSeed, marketplace.Bytes()}, programID)
}

func MustDeriveMarketplaceAddress(programID, authority solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveMarketplaceAddress(programID, authority)
	if err != nil {
		panic(fmt.Errorf("derive marketplace address: %w", err))
	}
	return pk
}

func MustDeriveListingAddress(programID, mint, seller solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveListingAddress(programID, mint, seller)
	if err != nil {
		panic(fmt.Errorf("derive listing address: %w", err))
	}
	return pk
}

// expectDerived takes the result of a Derive* call and fails with
// ErrInvalidSeeds unless it matches the supplied key.
func expectDerived(supplied solana.PublicKey, derived solana.PublicKey, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSeeds, err)
	}
	if !supplied.Equals(derived) {
		return fmt.Errorf("%w: got %s, derived %s", ErrInvalidSeeds, supplied, derived)
	}
	return nil
}
