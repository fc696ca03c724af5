package program

import (
	"errors"
	"fmt"
)

// MarketplaceError is a custom program error. The numeric value is the code
// surfaced to submitters and must stay stable across releases.
type MarketplaceError uint32

const (
	ErrInvalidInstruction MarketplaceError = iota
	ErrNotRentExempt
	ErrExpectedAmountMismatch
	ErrAmountOverflow
	ErrInvalidAccountOwner
	ErrAccountNotInitialized
	ErrAccountAlreadyInitialized
	ErrInvalidMarketplaceAuthority
	ErrInvalidSeller
	ErrInvalidBuyer
	ErrNftNotForSale
	ErrInsufficientFunds
	ErrInvalidPrice
	ErrInvalidFeePercentage
	ErrMarketplaceFeeCalculationError
	ErrInvalidFeeRecipient
)

var marketplaceErrorNames = [...]string{
	ErrInvalidInstruction:             "invalid instruction",
	ErrNotRentExempt:                  "account not rent exempt",
	ErrExpectedAmountMismatch:         "expected amount mismatch",
	ErrAmountOverflow:                 "amount overflow",
	ErrInvalidAccountOwner:            "invalid account owner",
	ErrAccountNotInitialized:          "account not initialized",
	ErrAccountAlreadyInitialized:      "account already initialized",
	ErrInvalidMarketplaceAuthority:    "invalid marketplace authority",
	ErrInvalidSeller:                  "invalid seller",
	ErrInvalidBuyer:                   "invalid buyer",
	ErrNftNotForSale:                  "nft not for sale",
	ErrInsufficientFunds:              "insufficient funds",
	ErrInvalidPrice:                   "invalid price",
	ErrInvalidFeePercentage:           "invalid fee percentage",
	ErrMarketplaceFeeCalculationError: "marketplace fee calculation error",
	ErrInvalidFeeRecipient:            "invalid fee recipient",
}

func (e MarketplaceError) Error() string {
	if int(e) < len(marketplaceErrorNames) {
		return marketplaceErrorNames[e]
	}
	return fmt.Sprintf("unknown marketplace error %d", uint32(e))
}

func (e MarketplaceError) Code() uint32 {
	return uint32(e)
}

// Runtime-level errors, mirroring the builtin program errors of the ledger.
var (
	ErrMissingRequiredSignature = errors.New("missing required signature for instruction")
	ErrInvalidSeeds             = errors.New("provided seeds do not result in a valid address")
	ErrNotEnoughAccountKeys     = errors.New("insufficient account keys for instruction")
	ErrInvalidAccountData       = errors.New("invalid account data for instruction")
	ErrIncorrectProgramID       = errors.New("incorrect program id for instruction")
	ErrInvalidArgument          = errors.New("invalid program argument")
	ErrAccountAlreadyInUse      = errors.New("account already in use")
	ErrReadonlyDataModified     = errors.New("instruction modified data of a read-only account")
	ErrUnbalancedInstruction    = errors.New("sum of account balances before and after instruction do not match")
)

// ErrorCode reports the custom program code carried by err, if any.
func ErrorCode(err error) (uint32, bool) {
	var marketplaceErr MarketplaceError
	if errors.As(err, &marketplaceErr) {
		return marketplaceErr.Code(), true
	}
	return 0, false
}
