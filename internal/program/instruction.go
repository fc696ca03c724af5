package program

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// InstructionTag is the one-byte discriminant leading every instruction payload.
type InstructionTag uint8

const (
	TagInitializeMarketplace InstructionTag = iota
	TagListNft
	TagBuyNft
	TagCancelListing
	TagUpdateMarketplaceFee
)

func (t InstructionTag) String() string {
	switch t {
	case TagInitializeMarketplace:
		return "InitializeMarketplace"
	case TagListNft:
		return "ListNft"
	case TagBuyNft:
		return "BuyNft"
	case TagCancelListing:
		return "CancelListing"
	case TagUpdateMarketplaceFee:
		return "UpdateMarketplaceFee"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

type Instruction interface {
	Tag() InstructionTag
	MarshalWithEncoder(encoder *bin.Encoder) error
	UnmarshalWithDecoder(decoder *bin.Decoder) error
}

type InitializeMarketplace struct {
	FeePercentage uint16
}

func (*InitializeMarketplace) Tag() InstructionTag { return TagInitializeMarketplace }

func (ix *InitializeMarketplace) MarshalWithEncoder(encoder *bin.Encoder) error {
	return encoder.WriteUint16(ix.FeePercentage, bin.LE)
}

func (ix *InitializeMarketplace) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	ix.FeePercentage, err = decoder.ReadUint16(bin.LE)
	return err
}

type ListNft struct {
	Price uint64
}

func (*ListNft) Tag() InstructionTag { return TagListNft }

func (ix *ListNft) MarshalWithEncoder(encoder *bin.Encoder) error {
	return encoder.WriteUint64(ix.Price, bin.LE)
}

func (ix *ListNft) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	ix.Price, err = decoder.ReadUint64(bin.LE)
	return err
}

type BuyNft struct{}

func (*BuyNft) Tag() InstructionTag                     { return TagBuyNft }
func (*BuyNft) MarshalWithEncoder(*bin.Encoder) error   { return nil }
func (*BuyNft) UnmarshalWithDecoder(*bin.Decoder) error { return nil }

type CancelListing struct{}

func (*CancelListing) Tag() InstructionTag                     { return TagCancelListing }
func (*CancelListing) MarshalWithEncoder(*bin.Encoder) error   { return nil }
func (*CancelListing) UnmarshalWithDecoder(*bin.Decoder) error { return nil }

type UpdateMarketplaceFee struct {
	NewFeePercentage uint16
}

func (*UpdateMarketplaceFee) Tag() InstructionTag { return TagUpdateMarketplaceFee }

func (ix *UpdateMarketplaceFee) MarshalWithEncoder(encoder *bin.Encoder) error {
	return encoder.WriteUint16(ix.NewFeePercentage, bin.LE)
}

func (ix *UpdateMarketplaceFee) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	ix.NewFeePercentage, err = decoder.ReadUint16(bin.LE)
	return err
}

func EncodeInstruction(ix Instruction) ([]byte, error) {
	buf := new(bytes.Buffer)
	encoder := bin.NewBorshEncoder(buf)
	if err := encoder.WriteUint8(uint8(ix.Tag())); err != nil {
		return nil, fmt.Errorf("encode %s tag: %w", ix.Tag(), err)
	}
	if err := ix.MarshalWithEncoder(encoder); err != nil {
		return nil, fmt.Errorf("encode %s: %w", ix.Tag(), err)
	}
	return buf.Bytes(), nil
}

func MustEncodeInstruction(ix Instruction) []byte {
	data, err := EncodeInstruction(ix)
	if err != nil {
		panic(err)
	}
	return data
}

// DecodeInstruction is strict: an unknown tag, a short payload or trailing
// bytes all fail with ErrInvalidInstruction.
func DecodeInstruction(data []byte) (Instruction, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty instruction data", ErrInvalidInstruction)
	}

	decoder := bin.NewBorshDecoder(data)
	tag, err := decoder.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: read tag: %v", ErrInvalidInstruction, err)
	}

	var ix Instruction
	switch InstructionTag(tag) {
	case TagInitializeMarketplace:
		ix = new(InitializeMarketplace)
	case TagListNft:
		ix = new(ListNft)
	case TagBuyNft:
		ix = new(BuyNft)
	case TagCancelListing:
		ix = new(CancelListing)
	case TagUpdateMarketplaceFee:
		ix = new(UpdateMarketplaceFee)
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrInvalidInstruction, tag)
	}

	if err := ix.UnmarshalWithDecoder(decoder); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidInstruction, ix.Tag(), err)
	}
	if decoder.HasRemaining() {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s", ErrInvalidInstruction, decoder.Remaining(), ix.Tag())
	}
	return ix, nil
}
