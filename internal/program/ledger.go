package program

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Account is the committed state of one ledger account.
type Account struct {
	Lamports uint64
	Owner    solana.PublicKey
	Data     []byte
}

func (a Account) clone() Account {
	return Account{Lamports: a.Lamports, Owner: a.Owner, Data: bytes.Clone(a.Data)}
}

// InstructionError reports which instruction of a transaction failed.
type InstructionError struct {
	Index int
	Err   error
}

func (e *InstructionError) Error() string {
	return fmt.Sprintf("instruction %d: %v", e.Index, e.Err)
}

func (e *InstructionError) Unwrap() error {
	return e.Err
}

type Receipt struct {
	Slot      uint64
	BlockTime int64
	Logs      []string
}

type LedgerOption func(*Ledger)

func WithRent(rent Rent) LedgerOption {
	return func(l *Ledger) { l.rent = rent }
}

func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// Ledger hosts the marketplace program in memory. Each transaction runs
// against working copies of the accounts it names and is committed only if
// every instruction succeeds.
type Ledger struct {
	mu        sync.Mutex
	programID solana.PublicKey
	accounts  map[solana.PublicKey]Account
	slot      uint64
	rent      Rent
	now       func() time.Time
}

func NewLedger(programID solana.PublicKey, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		programID: programID,
		accounts:  make(map[solana.PublicKey]Account),
		rent:      DefaultRent(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) ProgramID() solana.PublicKey {
	return l.programID
}

func (l *Ledger) Rent() Rent {
	return l.rent
}

func (l *Ledger) Airdrop(key solana.PublicKey, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	account, ok := l.accounts[key]
	if !ok {
		account = Account{Owner: solana.SystemProgramID}
	}
	account.Lamports += lamports
	l.accounts[key] = account
}

// SetAccount overwrites an account verbatim, e.g. to seed records written by
// an older program version.
func (l *Ledger) SetAccount(key solana.PublicKey, account Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[key] = account.clone()
}

func (l *Ledger) Account(key solana.PublicKey) (Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	account, ok := l.accounts[key]
	if !ok {
		return Account{}, false
	}
	return account.clone(), true
}

func (l *Ledger) Balance(key solana.PublicKey) uint64 {
	account, _ := l.Account(key)
	return account.Lamports
}

func (l *Ledger) Slot() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slot
}

func (l *Ledger) Marketplace(key solana.PublicKey) (*Marketplace, error) {
	account, ok := l.Account(key)
	if !ok || !account.Owner.Equals(l.programID) {
		return nil, fmt.Errorf("%w: marketplace %s", ErrAccountNotInitialized, key)
	}
	return DecodeMarketplace(account.Data)
}

func (l *Ledger) Listing(key solana.PublicKey) (*Listing, error) {
	account, ok := l.Account(key)
	if !ok || !account.Owner.Equals(l.programID) {
		return nil, fmt.Errorf("%w: listing %s", ErrAccountNotInitialized, key)
	}
	return DecodeListing(account.Data)
}

func (l *Ledger) Execute(ix solana.Instruction, signers ...solana.PublicKey) (Receipt, error) {
	return l.ExecuteTransaction([]solana.Instruction{ix}, signers...)
}

// ExecuteTransaction runs instructions in order. The returned receipt carries
// the program logs even when the transaction fails; the ledger itself is only
// touched on success.
func (l *Ledger) ExecuteTransaction(instructions []solana.Instruction, signers ...solana.PublicKey) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.slot++
	receipt := Receipt{Slot: l.slot, BlockTime: l.now().Unix()}
	clock := Clock{Slot: receipt.Slot, UnixTimestamp: receipt.BlockTime}

	signed := make(map[solana.PublicKey]bool, len(signers))
	for _, signer := range signers {
		signed[signer] = true
	}

	working := make(map[solana.PublicKey]Account)
	for index, ix := range instructions {
		programID := ix.ProgramID()
		receipt.Logs = append(receipt.Logs, fmt.Sprintf("Program %s invoke [1]", programID))

		err := l.executeInstruction(ix, clock, signed, working, &receipt)
		if err != nil {
			receipt.Logs = append(receipt.Logs, fmt.Sprintf("Program %s failed: %v", programID, err))
			return receipt, &InstructionError{Index: index, Err: err}
		}
		receipt.Logs = append(receipt.Logs, fmt.Sprintf("Program %s success", programID))
	}

	for key, account := range working {
		if account.Lamports == 0 {
			delete(l.accounts, key)
			continue
		}
		l.accounts[key] = account
	}
	return receipt, nil
}

func (l *Ledger) executeInstruction(
	ix solana.Instruction,
	clock Clock,
	signed map[solana.PublicKey]bool,
	working map[solana.PublicKey]Account,
	receipt *Receipt,
) error {
	if !ix.ProgramID().Equals(l.programID) {
		return fmt.Errorf("%w: %s", ErrIncorrectProgramID, ix.ProgramID())
	}
	data, err := ix.Data()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}

	views := make(map[solana.PublicKey]*AccountInfo)
	pre := make(map[solana.PublicKey]Account)
	ordered := make([]*AccountInfo, 0, len(ix.Accounts()))
	for _, meta := range ix.Accounts() {
		view, ok := views[meta.PublicKey]
		if !ok {
			current := l.lookup(meta.PublicKey, working)
			pre[meta.PublicKey] = current
			copied := current.clone()
			view = &AccountInfo{
				Key:      meta.PublicKey,
				Lamports: copied.Lamports,
				Owner:    copied.Owner,
				Data:     copied.Data,
			}
			views[meta.PublicKey] = view
		}
		view.IsSigner = view.IsSigner || (meta.IsSigner && signed[meta.PublicKey])
		view.IsWritable = view.IsWritable || meta.IsWritable
		ordered = append(ordered, view)
	}

	ic := NewInvokeContext(l.programID, clock, l.rent)
	err = Process(ic, ordered, data)
	receipt.Logs = append(receipt.Logs, ic.Logs()...)
	if err != nil {
		return err
	}

	if err := verifyEffects(pre, views); err != nil {
		return err
	}

	for key, view := range views {
		working[key] = Account{Lamports: view.Lamports, Owner: view.Owner, Data: view.Data}
	}
	return nil
}

// verifyEffects rejects an instruction that touched a read-only account or
// changed the total lamports of the accounts it was given.
func verifyEffects(pre map[solana.PublicKey]Account, views map[solana.PublicKey]*AccountInfo) error {
	var before, after uint64
	for key, view := range views {
		prev := pre[key]
		before += prev.Lamports
		after += view.Lamports
		changed := prev.Lamports != view.Lamports || !prev.Owner.Equals(view.Owner) || !bytes.Equal(prev.Data, view.Data)
		if changed && !view.IsWritable {
			return fmt.Errorf("%w: %s", ErrReadonlyDataModified, key)
		}
	}
	if before != after {
		return fmt.Errorf("%w: %d before, %d after", ErrUnbalancedInstruction, before, after)
	}
	return nil
}

func (l *Ledger) lookup(key solana.PublicKey, working map[solana.PublicKey]Account) Account {
	if account, ok := working[key]; ok {
		return account
	}
	if account, ok := l.accounts[key]; ok {
		return account
	}
	return Account{Owner: solana.SystemProgramID}
}
