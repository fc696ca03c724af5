package program

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	// MarketplaceLen is the size of the current marketplace record:
	// flag(1) authority(32) fee_bps(2) fee_recipient(32) volume(8) sales(8).
	MarketplaceLen = 83
	// MarketplaceLegacyLen is the first marketplace schema, without the
	// volume and sales accumulators.
	MarketplaceLegacyLen = 65
	// ListingLen: flag(1) seller(32) mint(32) price(8) created_at(8) marketplace(32).
	ListingLen = 113
)

type MarketplaceSchema uint8

const (
	MarketplaceSchemaLegacy MarketplaceSchema = 1
	MarketplaceSchemaV2     MarketplaceSchema = 2
)

type Marketplace struct {
	IsInitialized bool
	Authority     solana.PublicKey
	FeePercentage uint16
	FeeRecipient  solana.PublicKey
	TotalVolume   uint64
	TotalSales    uint64
}

type Listing struct {
	IsInitialized bool
	Seller        solana.PublicKey
	NftMint       solana.PublicKey
	Price         uint64
	CreatedAt     int64
	Marketplace   solana.PublicKey
}

// MarketplaceSchemaOf identifies the record schema from the account size.
func MarketplaceSchemaOf(data []byte) (MarketplaceSchema, error) {
	switch len(data) {
	case MarketplaceLen:
		return MarketplaceSchemaV2, nil
	case MarketplaceLegacyLen:
		return MarketplaceSchemaLegacy, nil
	default:
		return 0, fmt.Errorf("%w: marketplace record is %d bytes", ErrInvalidAccountData, len(data))
	}
}

func (m *Marketplace) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteBool(m.IsInitialized); err != nil {
		return err
	}
	if err := encoder.WriteBytes(m.Authority[:], false); err != nil {
		return err
	}
	if err := encoder.WriteUint16(m.FeePercentage, bin.LE); err != nil {
		return err
	}
	if err := encoder.WriteBytes(m.FeeRecipient[:], false); err != nil {
		return err
	}
	if err := encoder.WriteUint64(m.TotalVolume, bin.LE); err != nil {
		return err
	}
	return encoder.WriteUint64(m.TotalSales, bin.LE)
}

// UnmarshalWithDecoder reads either schema; legacy records leave the
// accumulators at zero.
func (m *Marketplace) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	legacy := decoder.Remaining() == MarketplaceLegacyLen
	if m.IsInitialized, err = readFlag(decoder); err != nil {
		return err
	}
	if m.Authority, err = readPublicKey(decoder); err != nil {
		return err
	}
	if m.FeePercentage, err = decoder.ReadUint16(bin.LE); err != nil {
		return err
	}
	if m.FeeRecipient, err = readPublicKey(decoder); err != nil {
		return err
	}
	if legacy {
		m.TotalVolume, m.TotalSales = 0, 0
		return nil
	}
	if m.TotalVolume, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	m.TotalSales, err = decoder.ReadUint64(bin.LE)
	return err
}

func (l *Listing) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteBool(l.IsInitialized); err != nil {
		return err
	}
	if err := encoder.WriteBytes(l.Seller[:], false); err != nil {
		return err
	}
	if err := encoder.WriteBytes(l.NftMint[:], false); err != nil {
		return err
	}
	if err := encoder.WriteUint64(l.Price, bin.LE); err != nil {
		return err
	}
	if err := encoder.WriteInt64(l.CreatedAt, bin.LE); err != nil {
		return err
	}
	return encoder.WriteBytes(l.Marketplace[:], false)
}

func (l *Listing) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if l.IsInitialized, err = readFlag(decoder); err != nil {
		return err
	}
	if l.Seller, err = readPublicKey(decoder); err != nil {
		return err
	}
	if l.NftMint, err = readPublicKey(decoder); err != nil {
		return err
	}
	if l.Price, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if l.CreatedAt, err = decoder.ReadInt64(bin.LE); err != nil {
		return err
	}
	l.Marketplace, err = readPublicKey(decoder)
	return err
}

func DecodeMarketplace(data []byte) (*Marketplace, error) {
	if _, err := MarketplaceSchemaOf(data); err != nil {
		return nil, err
	}
	out := new(Marketplace)
	if err := out.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, fmt.Errorf("%w: marketplace: %v", ErrInvalidAccountData, err)
	}
	return out, nil
}

// EncodeMarketplace always produces the current schema.
func EncodeMarketplace(m *Marketplace) ([]byte, error) {
	return encodeRecord(m, MarketplaceLen)
}

func DecodeListing(data []byte) (*Listing, error) {
	if len(data) != ListingLen {
		return nil, fmt.Errorf("%w: listing record is %d bytes", ErrInvalidAccountData, len(data))
	}
	out := new(Listing)
	if err := out.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, fmt.Errorf("%w: listing: %v", ErrInvalidAccountData, err)
	}
	return out, nil
}

func EncodeListing(l *Listing) ([]byte, error) {
	return encodeRecord(l, ListingLen)
}

func encodeRecord(record bin.BinaryMarshaler, size int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if err := record.MarshalWithEncoder(bin.NewBorshEncoder(buf)); err != nil {
		return nil, err
	}
	if buf.Len() != size {
		return nil, fmt.Errorf("%w: encoded %d bytes, want %d", ErrInvalidAccountData, buf.Len(), size)
	}
	return buf.Bytes(), nil
}

func readFlag(decoder *bin.Decoder) (bool, error) {
	b, err := decoder.ReadUint8()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid bool byte %d", b)
	}
}

func readPublicKey(decoder *bin.Decoder) (solana.PublicKey, error) {
	raw, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(raw), nil
}
