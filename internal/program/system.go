package program

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// createAccount allocates space bytes owned by owner at target, funded by payer.
func createAccount(rent Rent, payer, target *AccountInfo, lamports uint64, space int, owner solana.PublicKey) error {
	if !payer.IsSigner {
		return fmt.Errorf("%w: payer %s", ErrMissingRequiredSignature, payer.Key)
	}
	if !payer.IsWritable || !target.IsWritable {
		return fmt.Errorf("%w: create account requires writable payer and target", ErrInvalidArgument)
	}
	if target.Lamports > 0 || len(target.Data) > 0 || !target.Owner.Equals(solana.SystemProgramID) {
		return fmt.Errorf("%w: %s", ErrAccountAlreadyInUse, target.Key)
	}
	if !rent.IsExempt(lamports, space) {
		return ErrNotRentExempt
	}
	if payer.Lamports < lamports {
		return fmt.Errorf("%w: payer has %d lamports, needs %d", ErrInsufficientFunds, payer.Lamports, lamports)
	}

	payer.Lamports -= lamports
	target.Lamports = lamports
	target.Data = make([]byte, space)
	target.Owner = owner
	return nil
}

// transfer moves lamports between two accounts through the system program,
// so the source must be a signed wallet without data.
func transfer(from, to *AccountInfo, lamports uint64) error {
	if !from.IsSigner {
		return fmt.Errorf("%w: transfer source %s", ErrMissingRequiredSignature, from.Key)
	}
	if !from.Owner.Equals(solana.SystemProgramID) || len(from.Data) > 0 {
		return fmt.Errorf("%w: transfer source %s carries data", ErrInvalidArgument, from.Key)
	}
	if from.Lamports < lamports {
		return fmt.Errorf("%w: %s has %d lamports, needs %d", ErrInsufficientFunds, from.Key, from.Lamports, lamports)
	}
	credited, err := checkedAdd(to.Lamports, lamports)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	from.Lamports -= lamports
	to.Lamports = credited
	return nil
}

// closeAccount zeroes a program-owned account and sweeps its balance to
// destination. The host drops it once the transaction commits.
func closeAccount(account, destination *AccountInfo) error {
	credited, err := checkedAdd(destination.Lamports, account.Lamports)
	if err != nil {
		return err
	}
	destination.Lamports = credited
	account.Lamports = 0
	clear(account.Data)
	return nil
}
