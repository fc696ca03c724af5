package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const maxMetadataBytes = 1 << 20

var ErrUnsupportedURI = errors.New("unsupported metadata uri")

// NftMetadata is the off-chain JSON document an NFT uri points at.
type NftMetadata struct {
	Name        string              `json:"name,omitempty"`
	Symbol      string              `json:"symbol,omitempty"`
	Description string              `json:"description,omitempty"`
	Image       string              `json:"image,omitempty"`
	ExternalURL string              `json:"external_url,omitempty"`
	Attributes  []MetadataAttribute `json:"attributes,omitempty"`
}

type MetadataAttribute struct {
	TraitType   string `json:"trait_type"`
	Value       any    `json:"value"`
	DisplayType string `json:"display_type,omitempty"`
}

type MetadataFetcher interface {
	Fetch(ctx context.Context, mint, uri string) (*NftMetadata, error)
}

type MetadataFetcherConfig struct {
	Timeout        time.Duration
	Retries        int
	IPFSGateway    string
	ArweaveGateway string
}

type httpMetadataFetcher struct {
	client         *retryablehttp.Client
	cache          MetadataCache
	ipfsGateway    string
	arweaveGateway string
}

func NewMetadataFetcher(cfg MetadataFetcherConfig, cache MetadataCache, logger *slog.Logger) MetadataFetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.Retries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = logger.With("component", "metadata")

	return &httpMetadataFetcher{
		client:         client,
		cache:          cache,
		ipfsGateway:    strings.TrimRight(cfg.IPFSGateway, "/"),
		arweaveGateway: strings.TrimRight(cfg.ArweaveGateway, "/"),
	}
}

func (f *httpMetadataFetcher) Fetch(ctx context.Context, mint, uri string) (*NftMetadata, error) {
	if f.cache != nil {
		if cached, ok := f.cache.Get(ctx, mint); ok {
			return cached, nil
		}
	}

	target, err := resolveMetadataURI(uri, f.ipfsGateway, f.arweaveGateway)
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build metadata request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch metadata %s: status %d", target, resp.StatusCode)
	}

	var metadata NftMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBytes)).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", target, err)
	}

	if f.cache != nil {
		f.cache.Set(ctx, mint, &metadata)
	}
	return &metadata, nil
}

func resolveMetadataURI(uri, ipfsGateway, arweaveGateway string) (string, error) {
	uri = strings.TrimSpace(uri)
	switch {
	case strings.HasPrefix(uri, "https://"), strings.HasPrefix(uri, "http://"):
		return uri, nil
	case strings.HasPrefix(uri, "ipfs://"):
		if ipfsGateway == "" {
			return "", fmt.Errorf("%w: %q (no ipfs gateway)", ErrUnsupportedURI, uri)
		}
		path := strings.TrimPrefix(strings.TrimPrefix(uri, "ipfs://"), "ipfs/")
		return ipfsGateway + "/" + path, nil
	case strings.HasPrefix(uri, "ar://"):
		if arweaveGateway == "" {
			return "", fmt.Errorf("%w: %q (no arweave gateway)", ErrUnsupportedURI, uri)
		}
		return arweaveGateway + "/" + strings.TrimPrefix(uri, "ar://"), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedURI, uri)
	}
}

// columns flattens metadata into the nullable nfts columns.
func (m *NftMetadata) columns() (description, image, attributes *string) {
	if m == nil {
		return nil, nil, nil
	}
	if m.Description != "" {
		value := m.Description
		description = &value
	}
	if m.Image != "" {
		value := m.Image
		image = &value
	}
	if len(m.Attributes) > 0 {
		if raw, err := json.Marshal(m.Attributes); err == nil {
			value := string(raw)
			attributes = &value
		}
	}
	return description, image, attributes
}
