package program

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderAccountOrderMatchesNames(t *testing.T) {
	programID := repeatedKey(0x70)
	authority := repeatedKey(0xa1)
	seller := repeatedKey(0xa2)
	mint := repeatedKey(0xb1)
	marketplace := MustDeriveMarketplaceAddress(programID, authority)

	ix, err := NewBuyNftInstruction(programID, BuyNftAccounts{
		Buyer:              repeatedKey(0xa3),
		BuyerTokenAccount:  repeatedKey(0xb3),
		SellerTokenAccount: repeatedKey(0xb2),
		Seller:             seller,
		FeeRecipient:       authority,
		Mint:               mint,
		Marketplace:        marketplace,
	})
	require.NoError(t, err)

	keys := make([]solana.PublicKey, 0, len(ix.Accounts()))
	for _, meta := range ix.Accounts() {
		keys = append(keys, meta.PublicKey)
	}
	require.Len(t, keys, len(AccountNames(TagBuyNft)))

	named := NamedAccounts(TagBuyNft, keys)
	assert.Equal(t, MustDeriveListingAddress(programID, mint, seller), named["listing"])
	assert.Equal(t, seller, named["seller"])
	assert.Equal(t, authority, named["fee_recipient"])
	assert.Equal(t, marketplace, named["marketplace"])
	assert.Equal(t, solana.TokenProgramID, named["token_program"])

	partial := NamedAccounts(TagCancelListing, keys[:1])
	assert.Len(t, partial, 1)
}
