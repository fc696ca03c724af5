package program

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repeatedKey(b byte) solana.PublicKey {
	return solana.PublicKeyFromBytes(bytes.Repeat([]byte{b}, solana.PublicKeyLength))
}

func sampleMarketplace() *Marketplace {
	return &Marketplace{
		IsInitialized: true,
		Authority:     repeatedKey(0x11),
		FeePercentage: 250,
		FeeRecipient:  repeatedKey(0x22),
		TotalVolume:   1_000_000_000,
		TotalSales:    1,
	}
}

func sampleListing() *Listing {
	return &Listing{
		IsInitialized: true,
		Seller:        repeatedKey(0x33),
		NftMint:       repeatedKey(0x44),
		Price:         1_000_000_000,
		CreatedAt:     1_700_000_000,
		Marketplace:   repeatedKey(0x55),
	}
}

func TestMarketplaceLayout(t *testing.T) {
	data, err := EncodeMarketplace(sampleMarketplace())
	require.NoError(t, err)
	require.Len(t, data, MarketplaceLen)
	goldie.New(t).Assert(t, "marketplace_v2", []byte(hex.EncodeToString(data)))

	decoded, err := DecodeMarketplace(data)
	require.NoError(t, err)
	assert.Equal(t, sampleMarketplace(), decoded)

	again, err := EncodeMarketplace(decoded)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestListingLayout(t *testing.T) {
	data, err := EncodeListing(sampleListing())
	require.NoError(t, err)
	require.Len(t, data, ListingLen)
	goldie.New(t).Assert(t, "listing", []byte(hex.EncodeToString(data)))

	decoded, err := DecodeListing(data)
	require.NoError(t, err)
	assert.Equal(t, sampleListing(), decoded)

	again, err := EncodeListing(decoded)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestDecodeLegacyMarketplace(t *testing.T) {
	current, err := EncodeMarketplace(sampleMarketplace())
	require.NoError(t, err)
	legacy := current[:MarketplaceLegacyLen]

	schema, err := MarketplaceSchemaOf(legacy)
	require.NoError(t, err)
	assert.Equal(t, MarketplaceSchemaLegacy, schema)

	decoded, err := DecodeMarketplace(legacy)
	require.NoError(t, err)
	assert.Equal(t, repeatedKey(0x11), decoded.Authority)
	assert.Equal(t, uint16(250), decoded.FeePercentage)
	assert.Zero(t, decoded.TotalVolume)
	assert.Zero(t, decoded.TotalSales)

	upgraded, err := EncodeMarketplace(decoded)
	require.NoError(t, err)
	assert.Len(t, upgraded, MarketplaceLen)
}

func TestDecodeRejectsBadRecords(t *testing.T) {
	market, err := EncodeMarketplace(sampleMarketplace())
	require.NoError(t, err)
	listing, err := EncodeListing(sampleListing())
	require.NoError(t, err)

	badFlag := bytes.Clone(listing)
	badFlag[0] = 2

	_, err = DecodeMarketplace(market[:70])
	assert.ErrorIs(t, err, ErrInvalidAccountData)
	_, err = DecodeMarketplace(append(bytes.Clone(market), 0))
	assert.ErrorIs(t, err, ErrInvalidAccountData)
	_, err = DecodeListing(listing[:ListingLen-1])
	assert.ErrorIs(t, err, ErrInvalidAccountData)
	_, err = DecodeListing(badFlag)
	assert.ErrorIs(t, err, ErrInvalidAccountData)
	_, err = DecodeListing(nil)
	assert.ErrorIs(t, err, ErrInvalidAccountData)
}
