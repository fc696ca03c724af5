package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coldbell/nftmarket/backend/internal/program"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProgramID = "6Fge5q2LdmztCd7P8CQTaqYAvGU5MqyHvZmYimkeqbGt"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func useSQLiteStore(t *testing.T) {
	t.Helper()
	t.Setenv("INDEXER_DB_DRIVER", "sqlite")
	t.Setenv("INDEXER_DB_DSN", filepath.Join(t.TempDir(), "mirror.db"))
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	cmd := NewRootCommand()

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"pda", "ix", "cursor", "gaps", "backfill", "listings", "activities", "tx"} {
		assert.True(t, names[want], "missing %s", want)
	}

	assert.NotNil(t, cmd.PersistentFlags().Lookup("output"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("program-id"))
	assert.Equal(t, "o", cmd.PersistentFlags().Lookup("output").Shorthand)
}

func TestRootRejectsInvalidOutput(t *testing.T) {
	_, err := execute(t, "-o", "yaml", "ix", "encode", "cancel")
	require.ErrorContains(t, err, `invalid output "yaml"`)
}

func TestRootRejectsInvalidProgramID(t *testing.T) {
	_, err := execute(t, "--program-id", "not-a-key", "pda", "marketplace", "--authority", testProgramID)
	require.ErrorContains(t, err, "invalid --program-id")
}

func TestPDAMarketplaceJSON(t *testing.T) {
	authority := solana.NewWallet().PublicKey()
	programID := solana.MustPublicKeyFromBase58(testProgramID)
	wantAddress, wantBump, err := program.DeriveMarketplaceAddress(programID, authority)
	require.NoError(t, err)

	out, err := execute(t, "-o", "json", "--program-id", testProgramID, "pda", "marketplace", "--authority", authority.String())
	require.NoError(t, err)

	var got pdaResult
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, pdaResult{Kind: "marketplace", Address: wantAddress.String(), Bump: wantBump}, got)
}

func TestPDAListingAndFeeText(t *testing.T) {
	programID := solana.MustPublicKeyFromBase58(testProgramID)
	mint := solana.NewWallet().PublicKey()
	seller := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()

	listing := program.MustDeriveListingAddress(programID, mint, seller)
	out, err := execute(t, "--program-id", testProgramID, "pda", "listing", "--mint", mint.String(), "--seller", seller.String())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "listing "+listing.String()+" (bump "), out)

	marketplace, _, err := program.DeriveMarketplaceAddress(programID, authority)
	require.NoError(t, err)
	fee, _, err := program.DeriveFeeAddress(programID, marketplace)
	require.NoError(t, err)

	byAuthority, err := execute(t, "--program-id", testProgramID, "pda", "fee", "--authority", authority.String())
	require.NoError(t, err)
	byMarketplace, err := execute(t, "--program-id", testProgramID, "pda", "fee", "--marketplace", marketplace.String())
	require.NoError(t, err)
	assert.Equal(t, byAuthority, byMarketplace)
	assert.Contains(t, byAuthority, fee.String())
}

func TestPDARequiresFlags(t *testing.T) {
	_, err := execute(t, "pda", "listing", "--mint", testProgramID)
	require.ErrorContains(t, err, "--seller is required")

	_, err = execute(t, "pda", "fee")
	require.ErrorContains(t, err, "one of --marketplace or --authority is required")
}

func TestIxEncodeDecodeRoundTrip(t *testing.T) {
	out, err := execute(t, "-o", "json", "ix", "encode", "list", "--price", "1000000000")
	require.NoError(t, err)

	var encoded encodedInstruction
	require.NoError(t, json.Unmarshal([]byte(out), &encoded))
	assert.Equal(t, "0100ca9a3b00000000", encoded.Hex)

	for encoding, value := range map[string]string{
		"hex":    encoded.Hex,
		"base58": encoded.Base58,
		"base64": encoded.Base64,
	} {
		t.Run(encoding, func(t *testing.T) {
			out, err := execute(t, "-o", "json", "ix", "decode", "--encoding", encoding, value)
			require.NoError(t, err)

			var decoded struct {
				Instruction string `json:"instruction"`
				Tag         uint8  `json:"tag"`
			}
			require.NoError(t, json.Unmarshal([]byte(out), &decoded))
			assert.Equal(t, encoded.Instruction, decoded.Instruction)
			assert.Equal(t, uint8(program.TagListNft), decoded.Tag)
		})
	}
}

func TestIxEncodeFee(t *testing.T) {
	out, err := execute(t, "ix", "encode", "update-fee", "--fee", "300")
	require.NoError(t, err)
	assert.Contains(t, out, "hex:    042c01")
}

func TestIxDecodeErrors(t *testing.T) {
	_, err := execute(t, "ix", "decode", "--encoding", "binary", "00")
	require.ErrorContains(t, err, `unsupported encoding "binary"`)

	_, err = execute(t, "ix", "decode", "09")
	require.ErrorIs(t, err, program.ErrInvalidInstruction)

	_, err = execute(t, "ix", "encode", "mint")
	require.ErrorContains(t, err, `unknown instruction "mint"`)
}

func TestCursorAndGaps(t *testing.T) {
	useSQLiteStore(t)

	out, err := execute(t, "cursor", "get")
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)

	out, err = execute(t, "cursor", "set", "4242")
	require.NoError(t, err)
	assert.Equal(t, "cursor set to 4242\n", out)

	out, err = execute(t, "-o", "json", "cursor", "get")
	require.NoError(t, err)
	assert.JSONEq(t, `{"last_processed_slot":4242}`, out)

	_, err = execute(t, "cursor", "set", "abc")
	require.ErrorContains(t, err, "invalid slot")

	out, err = execute(t, "gaps")
	require.NoError(t, err)
	assert.Equal(t, "no gaps\n", out)
}

func TestListingsAndActivitiesOnEmptyStore(t *testing.T) {
	useSQLiteStore(t)

	out, err := execute(t, "listings", "--status", "active", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "LISTING")

	out, err = execute(t, "activities", "--type", "sale")
	require.NoError(t, err)
	assert.Contains(t, out, "SIGNATURE")
}

func TestBackfillRejectsInvertedRange(t *testing.T) {
	_, err := execute(t, "backfill", "--from", "10", "--to", "5")
	require.ErrorContains(t, err, "must not be below")

	_, err = execute(t, "backfill", "--from", "10")
	require.Error(t, err)
}

func TestTxValidatesBeforeSubmitting(t *testing.T) {
	_, err := execute(t, "tx", "init-marketplace", "--fee", "1001")
	require.ErrorIs(t, err, program.ErrInvalidFeePercentage)

	_, err = execute(t, "tx", "update-fee", "--fee", "5000")
	require.ErrorIs(t, err, program.ErrInvalidFeePercentage)

	_, err = execute(t, "tx", "list", "--mint", testProgramID, "--seller-token", testProgramID)
	require.ErrorIs(t, err, program.ErrInvalidPrice)

	_, err = execute(t, "tx", "buy", "--seller", testProgramID, "--mint", testProgramID, "--buyer-token", testProgramID, "--seller-token", testProgramID)
	require.ErrorContains(t, err, "--fee-recipient is required")

	_, err = execute(t, "tx", "cancel")
	require.ErrorContains(t, err, "--mint is required")
}

func TestResolveMarketplace(t *testing.T) {
	programID := solana.MustPublicKeyFromBase58(testProgramID)
	authority := solana.NewWallet().PublicKey()
	explicit := solana.NewWallet().PublicKey()

	got, err := resolveMarketplace(programID, explicit.String(), authority.String())
	require.NoError(t, err)
	assert.Equal(t, explicit, got)

	want, _, err := program.DeriveMarketplaceAddress(programID, authority)
	require.NoError(t, err)
	got, err = resolveMarketplace(programID, "", authority.String())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = resolveMarketplace(programID, "", "")
	require.Error(t, err)
}
