package program

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// AccountInfo is the view of one account handed to the processor for the
// duration of a single instruction.
type AccountInfo struct {
	Key        solana.PublicKey
	IsSigner   bool
	IsWritable bool
	Lamports   uint64
	Owner      solana.PublicKey
	Data       []byte
}

type Clock struct {
	Slot          uint64
	UnixTimestamp int64
}

// accountStorageOverhead is charged on top of the data length when computing
// the rent exempt minimum.
const accountStorageOverhead = 128

type Rent struct {
	LamportsPerByteYear uint64
	ExemptionYears      uint64
}

func DefaultRent() Rent {
	return Rent{LamportsPerByteYear: 3480, ExemptionYears: 2}
}

func (r Rent) MinimumBalance(space int) uint64 {
	return (accountStorageOverhead + uint64(space)) * r.LamportsPerByteYear * r.ExemptionYears
}

func (r Rent) IsExempt(lamports uint64, space int) bool {
	return lamports >= r.MinimumBalance(space)
}

// InvokeContext carries what the host exposes to a running instruction.
type InvokeContext struct {
	ProgramID solana.PublicKey
	Clock     Clock
	Rent      Rent

	logs []string
}

func NewInvokeContext(programID solana.PublicKey, clock Clock, rent Rent) *InvokeContext {
	return &InvokeContext{ProgramID: programID, Clock: clock, Rent: rent}
}

func (ic *InvokeContext) Log(format string, args ...any) {
	ic.logs = append(ic.logs, "Program log: "+fmt.Sprintf(format, args...))
}

func (ic *InvokeContext) Logs() []string {
	out := make([]string, len(ic.logs))
	copy(out, ic.logs)
	return out
}

// takeAccounts splits off the leading n accounts an instruction requires.
func takeAccounts(accounts []*AccountInfo, n int) ([]*AccountInfo, error) {
	if len(accounts) < n {
		return nil, fmt.Errorf("%w: wanted %d accounts, got %d", ErrNotEnoughAccountKeys, n, len(accounts))
	}
	return accounts[:n], nil
}
