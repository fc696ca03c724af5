package indexer

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// LedgerClient is the read surface of the ledger RPC the poller depends on.
type LedgerClient interface {
	GetSlot(ctx context.Context) (uint64, error)
	GetBlocks(ctx context.Context, start, end uint64) ([]uint64, error)
	GetBlock(ctx context.Context, slot uint64) (*Block, error)
}

type Block struct {
	Slot         uint64
	BlockTime    int64
	Transactions []LedgerTransaction
}

// LedgerTransaction is a block transaction flattened to what the decoder needs.
// AccountKeys holds the static keys followed by loaded writable and read-only
// addresses, so instruction account indices resolve directly.
type LedgerTransaction struct {
	Signature    solana.Signature
	Slot         uint64
	BlockTime    int64
	AccountKeys  []solana.PublicKey
	StaticKeys   int
	Instructions []CompiledInstruction
	Logs         []string
	Failed       bool
	PreBalances  []uint64
	PostBalances []uint64
}

type CompiledInstruction struct {
	ProgramIDIndex uint16
	Accounts       []uint16
	Data           []byte
}

// MentionsProgram reports whether the program id is among the static account keys.
func (tx LedgerTransaction) MentionsProgram(programID solana.PublicKey) bool {
	limit := tx.StaticKeys
	if limit <= 0 || limit > len(tx.AccountKeys) {
		limit = len(tx.AccountKeys)
	}
	for _, key := range tx.AccountKeys[:limit] {
		if key.Equals(programID) {
			return true
		}
	}
	return false
}

type rpcLedgerClient struct {
	client     *rpc.Client
	commitment rpc.CommitmentType
}

func NewRPCLedgerClient(client *rpc.Client, commitment rpc.CommitmentType) LedgerClient {
	// getBlock rejects processed commitment.
	if commitment == rpc.CommitmentProcessed || commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &rpcLedgerClient{client: client, commitment: commitment}
}

func (c *rpcLedgerClient) GetSlot(ctx context.Context) (uint64, error) {
	slot, err := c.client.GetSlot(ctx, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("get slot: %w", err)
	}
	return slot, nil
}

func (c *rpcLedgerClient) GetBlocks(ctx context.Context, start, end uint64) ([]uint64, error) {
	blocks, err := c.client.GetBlocks(ctx, start, &end, c.commitment)
	if err != nil {
		return nil, fmt.Errorf("get blocks %d-%d: %w", start, end, err)
	}
	return blocks, nil
}

func (c *rpcLedgerClient) GetBlock(ctx context.Context, slot uint64) (*Block, error) {
	rewards := false
	maxVersion := rpc.MaxSupportedTransactionVersion0
	result, err := c.client.GetBlockWithOpts(ctx, slot, &rpc.GetBlockOpts{
		Encoding:                       solana.EncodingBase64,
		TransactionDetails:             rpc.TransactionDetailsFull,
		Rewards:                        &rewards,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", slot, err)
	}

	block := &Block{Slot: slot}
	if result.BlockTime != nil {
		block.BlockTime = int64(*result.BlockTime)
	}
	block.Transactions = make([]LedgerTransaction, 0, len(result.Transactions))
	for i, twm := range result.Transactions {
		tx, err := convertTransaction(slot, block.BlockTime, twm)
		if err != nil {
			return nil, fmt.Errorf("block %d tx %d: %w", slot, i, err)
		}
		block.Transactions = append(block.Transactions, tx)
	}
	return block, nil
}

func convertTransaction(slot uint64, blockTime int64, twm rpc.TransactionWithMeta) (LedgerTransaction, error) {
	decoded, err := twm.GetTransaction()
	if err != nil {
		return LedgerTransaction{}, fmt.Errorf("decode transaction: %w", err)
	}

	out := LedgerTransaction{
		Slot:       slot,
		BlockTime:  blockTime,
		StaticKeys: len(decoded.Message.AccountKeys),
	}
	if len(decoded.Signatures) > 0 {
		out.Signature = decoded.Signatures[0]
	}

	keys := make([]solana.PublicKey, 0, len(decoded.Message.AccountKeys))
	keys = append(keys, decoded.Message.AccountKeys...)
	if twm.Meta != nil {
		keys = append(keys, twm.Meta.LoadedAddresses.Writable...)
		keys = append(keys, twm.Meta.LoadedAddresses.ReadOnly...)
		out.Logs = twm.Meta.LogMessages
		out.Failed = twm.Meta.Err != nil
		out.PreBalances = twm.Meta.PreBalances
		out.PostBalances = twm.Meta.PostBalances
	}
	out.AccountKeys = keys

	out.Instructions = make([]CompiledInstruction, 0, len(decoded.Message.Instructions))
	for _, ix := range decoded.Message.Instructions {
		out.Instructions = append(out.Instructions, CompiledInstruction{
			ProgramIDIndex: ix.ProgramIDIndex,
			Accounts:       ix.Accounts,
			Data:           ix.Data,
		})
	}
	return out, nil
}
