package indexer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/coldbell/nftmarket/backend/internal/config"
	"github.com/coldbell/nftmarket/backend/internal/events"
	"github.com/coldbell/nftmarket/backend/internal/program"
	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const solLamports = 1_000_000_000

func repeatedKey(b byte) solana.PublicKey {
	var key solana.PublicKey
	for i := range key {
		key[i] = b
	}
	return key
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(config.DBDriverSQLite, filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type stubMetadata struct {
	mu       sync.Mutex
	calls    map[string]int
	metadata *NftMetadata
	err      error
}

func (s *stubMetadata) Fetch(_ context.Context, mint, _ string) (*NftMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[mint]++
	if s.err != nil {
		return nil, s.err
	}
	return s.metadata, nil
}

func (s *stubMetadata) callsFor(mint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[mint]
}

func newTestSink(t *testing.T, store *Store, metadata MetadataFetcher) (*Sink, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	sink := NewSink(store, metadata, metrics, discardLogger(), SinkConfig{
		MaxRetries:   3,
		RetryBase:    time.Millisecond,
		RetryMaxWait: 5 * time.Millisecond,
	})
	return sink, metrics
}

// fakeLedger serves blocks recorded by tests. Failures stay in place until
// the test clears them.
type fakeLedger struct {
	mu             sync.Mutex
	head           uint64
	blocks         map[uint64]*Block
	blockErrs      map[uint64]error
	rangeErr       error
	getBlocksCalls [][2]uint64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		blocks:    make(map[uint64]*Block),
		blockErrs: make(map[uint64]error),
	}
}

func (f *fakeLedger) add(tx LedgerTransaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	block, ok := f.blocks[tx.Slot]
	if !ok {
		block = &Block{Slot: tx.Slot, BlockTime: tx.BlockTime}
		f.blocks[tx.Slot] = block
	}
	block.Transactions = append(block.Transactions, tx)
	if tx.Slot > f.head {
		f.head = tx.Slot
	}
}

func (f *fakeLedger) failBlock(slot uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.blockErrs, slot)
		return
	}
	f.blockErrs[slot] = err
}

func (f *fakeLedger) failRanges(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeErr = err
}

func (f *fakeLedger) GetSlot(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeLedger) GetBlocks(_ context.Context, start, end uint64) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getBlocksCalls = append(f.getBlocksCalls, [2]uint64{start, end})
	if f.rangeErr != nil {
		return nil, f.rangeErr
	}
	var slots []uint64
	for slot := range f.blocks {
		if slot >= start && slot <= end {
			slots = append(slots, slot)
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots, nil
}

func (f *fakeLedger) GetBlock(_ context.Context, slot uint64) (*Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.blockErrs[slot]; err != nil {
		return nil, err
	}
	block, ok := f.blocks[slot]
	if !ok {
		return nil, fmt.Errorf("slot %d skipped", slot)
	}
	return block, nil
}

// chainFixture runs marketplace transactions on the in-memory ledger host and
// publishes each one as a confirmed block on a fakeLedger.
type chainFixture struct {
	t           *testing.T
	ledger      *program.Ledger
	feed        *fakeLedger
	programID   solana.PublicKey
	authority   solana.PublicKey
	seller      solana.PublicKey
	buyer       solana.PublicKey
	mint        solana.PublicKey
	sellerToken solana.PublicKey
	buyerToken  solana.PublicKey
	marketplace solana.PublicKey
	listing     solana.PublicKey
	sequence    byte
}

func newChainFixture(t *testing.T) *chainFixture {
	t.Helper()
	c := &chainFixture{
		t:           t,
		feed:        newFakeLedger(),
		programID:   repeatedKey(0x70),
		authority:   repeatedKey(0xa1),
		seller:      repeatedKey(0xa2),
		buyer:       repeatedKey(0xa3),
		mint:        repeatedKey(0xb1),
		sellerToken: repeatedKey(0xb2),
		buyerToken:  repeatedKey(0xb3),
	}
	c.ledger = program.NewLedger(c.programID, program.WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))
	c.marketplace = program.MustDeriveMarketplaceAddress(c.programID, c.authority)
	c.listing = program.MustDeriveListingAddress(c.programID, c.mint, c.seller)

	c.ledger.Airdrop(c.authority, 10*solLamports)
	c.ledger.Airdrop(c.seller, 10*solLamports)
	c.ledger.Airdrop(c.buyer, 5*solLamports)
	return c
}

func (c *chainFixture) nextSignature() solana.Signature {
	c.sequence++
	var sig solana.Signature
	for i := range sig {
		sig[i] = c.sequence
	}
	return sig
}

// submit executes instructions signed by signers; signers[0] pays. Failed
// transactions are published too, flagged as failed.
func (c *chainFixture) submit(signers []solana.PublicKey, instructions ...solana.Instruction) (LedgerTransaction, error) {
	c.t.Helper()
	var keys []solana.PublicKey
	index := make(map[solana.PublicKey]uint16)
	addKey := func(key solana.PublicKey) uint16 {
		if i, ok := index[key]; ok {
			return i
		}
		index[key] = uint16(len(keys))
		keys = append(keys, key)
		return index[key]
	}
	for _, signer := range signers {
		addKey(signer)
	}

	compiled := make([]CompiledInstruction, 0, len(instructions))
	for _, ix := range instructions {
		data, err := ix.Data()
		require.NoError(c.t, err)
		var accounts []uint16
		for _, meta := range ix.Accounts() {
			accounts = append(accounts, addKey(meta.PublicKey))
		}
		compiled = append(compiled, CompiledInstruction{
			ProgramIDIndex: addKey(ix.ProgramID()),
			Accounts:       accounts,
			Data:           data,
		})
	}

	pre := make([]uint64, len(keys))
	for i, key := range keys {
		pre[i] = c.ledger.Balance(key)
	}
	receipt, execErr := c.ledger.ExecuteTransaction(instructions, signers...)
	post := make([]uint64, len(keys))
	for i, key := range keys {
		post[i] = c.ledger.Balance(key)
	}

	tx := LedgerTransaction{
		Signature:    c.nextSignature(),
		Slot:         receipt.Slot,
		BlockTime:    receipt.BlockTime,
		AccountKeys:  keys,
		StaticKeys:   len(keys),
		Instructions: compiled,
		Logs:         receipt.Logs,
		Failed:       execErr != nil,
		PreBalances:  pre,
		PostBalances: post,
	}
	c.feed.add(tx)
	return tx, execErr
}

func (c *chainFixture) mustSubmit(signers []solana.PublicKey, instructions ...solana.Instruction) LedgerTransaction {
	c.t.Helper()
	tx, err := c.submit(signers, instructions...)
	require.NoError(c.t, err)
	return tx
}

func (c *chainFixture) initMarketplace(fee uint16) LedgerTransaction {
	ix, err := program.NewInitializeMarketplaceInstruction(c.programID, c.authority, fee)
	require.NoError(c.t, err)
	return c.mustSubmit([]solana.PublicKey{c.authority}, ix)
}

func (c *chainFixture) list(price uint64) LedgerTransaction {
	ix, err := program.NewListNftInstruction(c.programID, c.seller, c.mint, c.sellerToken, c.marketplace, price)
	require.NoError(c.t, err)
	return c.mustSubmit([]solana.PublicKey{c.seller}, ix)
}

func (c *chainFixture) buyIx() solana.Instruction {
	ix, err := program.NewBuyNftInstruction(c.programID, program.BuyNftAccounts{
		Buyer:              c.buyer,
		BuyerTokenAccount:  c.buyerToken,
		SellerTokenAccount: c.sellerToken,
		Seller:             c.seller,
		FeeRecipient:       c.authority,
		Mint:               c.mint,
		Marketplace:        c.marketplace,
	})
	require.NoError(c.t, err)
	return ix
}

func (c *chainFixture) buy() LedgerTransaction {
	return c.mustSubmit([]solana.PublicKey{c.buyer}, c.buyIx())
}

func (c *chainFixture) cancelIx(signer solana.PublicKey) solana.Instruction {
	ix, err := program.NewCancelListingInstruction(c.programID, signer, c.mint)
	require.NoError(c.t, err)
	return ix
}

// announceMint publishes a transaction in the current slot whose logs carry a
// mint marker from the marketplace program.
func (c *chainFixture) announceMint(event events.NftMinted, extraLogs ...string) LedgerTransaction {
	c.t.Helper()
	slot := c.ledger.Slot()
	if slot == 0 {
		slot = 1
	}
	logs := []string{fmt.Sprintf("Program %s invoke [1]", c.programID)}
	logs = append(logs, "Program log: "+event.LogMessage())
	logs = append(logs, extraLogs...)
	logs = append(logs, fmt.Sprintf("Program %s success", c.programID))

	tx := LedgerTransaction{
		Signature:   c.nextSignature(),
		Slot:        slot,
		BlockTime:   1_700_000_000,
		AccountKeys: []solana.PublicKey{event.Creator, c.programID},
		StaticKeys:  2,
		Logs:        logs,
	}
	c.feed.add(tx)
	return tx
}

func (c *chainFixture) mintEvent() events.NftMinted {
	return events.NftMinted{
		Mint:    c.mint,
		Name:    "Sunset #1",
		Symbol:  "SUN",
		URI:     "https://example.invalid/sunset.json",
		Creator: c.seller,
	}
}
