package chain

import (
	"context"
	"fmt"

	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker/headers_client"
)

// BHS reads the chain from a Block Headers Service.
type BHS struct {
	url    string
	client *headers_client.Client
}

// NewBHS creates a BHS source.
func NewBHS(url, apiKey string) *BHS {
	return &BHS{
		url:    url,
		client: &headers_client.Client{Url: url, ApiKey: apiKey},
	}
}

func (b *BHS) Name() string { return b.url }

// CurrentTip implements Source.
func (b *BHS) CurrentTip(ctx context.Context) (int64, error) {
	h, err := b.client.CurrentHeight(ctx)
	if err != nil {
		return 0, unavailable(b.url, err)
	}
	return int64(h), nil
}

// BlockHash implements Source. The tip is checked first so that a height
// the service has not seen is reported as not mined rather than as an error.
func (b *BHS) BlockHash(ctx context.Context, height int64) (string, error) {
	if height < 0 {
		return "", fmt.Errorf("negative height %d", height)
	}
	tip, err := b.CurrentTip(ctx)
	if err != nil {
		return "", err
	}
	if height > tip {
		return "", &BlockNotMinedError{Height: height, Tip: tip}
	}

	header, err := b.client.BlockByHeight(ctx, uint32(height))
	if err != nil {
		return "", unavailable(b.url, fmt.Errorf("block %d: %w", height, err))
	}
	if int64(header.Height) != height {
		return "", unavailable(b.url, fmt.Errorf("asked for block %d, got %d", height, header.Height))
	}
	return header.Hash.String(), nil
}
