package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
)

const MintMarker = "NFT_MINTED:"

var (
	ErrEmptyPayload   = errors.New("empty event payload")
	ErrMissingField   = errors.New("missing required event field")
	ErrTrailingData   = errors.New("trailing data after event payload")
	ErrMalformedPrice = errors.New("malformed sale price")
)

// NftMinted is the payload announced by a mint transaction after the
// NFT_MINTED: marker.
type NftMinted struct {
	Mint    solana.PublicKey `json:"mint"`
	Name    string           `json:"name"`
	Symbol  string           `json:"symbol"`
	URI     string           `json:"uri"`
	Creator solana.PublicKey `json:"creator"`
}

// ParseError records a marker line whose payload was rejected.
type ParseError struct {
	Index int
	Raw   string
	Err   error
}

func (e ParseError) Error() string {
	return fmt.Sprintf("log line %d: %v", e.Index, e.Err)
}

func (e ParseError) Unwrap() error {
	return e.Err
}

// ParseMintPayload validates payload against the event schema. Unknown
// fields are rejected, mint and creator must be valid public keys and name
// must be present.
func ParseMintPayload(payload string) (NftMinted, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return NftMinted{}, ErrEmptyPayload
	}

	decoder := json.NewDecoder(strings.NewReader(payload))
	decoder.DisallowUnknownFields()

	var event NftMinted
	if err := decoder.Decode(&event); err != nil {
		return NftMinted{}, fmt.Errorf("decode mint event: %w", err)
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return NftMinted{}, ErrTrailingData
	}

	switch {
	case event.Mint.IsZero():
		return NftMinted{}, fmt.Errorf("%w: mint", ErrMissingField)
	case event.Creator.IsZero():
		return NftMinted{}, fmt.Errorf("%w: creator", ErrMissingField)
	case strings.TrimSpace(event.Name) == "":
		return NftMinted{}, fmt.Errorf("%w: name", ErrMissingField)
	}
	return event, nil
}

// ExtractMintEvents scans program log lines for the mint marker. Lines with
// a malformed payload are reported and skipped.
func ExtractMintEvents(lines []LogLine) ([]NftMinted, []ParseError) {
	var events []NftMinted
	var failures []ParseError
	for i, line := range lines {
		if line.Kind != LogProgramLog {
			continue
		}
		_, payload, found := strings.Cut(line.Message, MintMarker)
		if !found {
			continue
		}
		event, err := ParseMintPayload(payload)
		if err != nil {
			failures = append(failures, ParseError{Index: i, Raw: line.Raw, Err: err})
			continue
		}
		events = append(events, event)
	}
	return events, failures
}

// LogMessage renders the event the way a minting program logs it.
func (e NftMinted) LogMessage() string {
	var buf bytes.Buffer
	buf.WriteString(MintMarker)
	_ = json.NewEncoder(&buf).Encode(e)
	return strings.TrimSpace(buf.String())
}

const (
	salePrefix = "NFT sold for "
	saleSuffix = " lamports"
)

// ExtractSalePrices returns the settled price of every sale logged in lines,
// in order.
func ExtractSalePrices(lines []LogLine) ([]uint64, error) {
	var prices []uint64
	for _, line := range lines {
		if line.Kind != LogProgramLog || !strings.HasPrefix(line.Message, salePrefix) {
			continue
		}
		digits := strings.TrimSuffix(strings.TrimPrefix(line.Message, salePrefix), saleSuffix)
		price, err := strconv.ParseUint(digits, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedPrice, line.Message)
		}
		prices = append(prices, price)
	}
	return prices, nil
}
