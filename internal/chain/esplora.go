package chain

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultEsploraURL is the public Blockstream API.
const DefaultEsploraURL = "https://blockstream.info/api"

// Esplora reads the chain through an Esplora REST API (blockstream.info,
// mempool.space or a self-hosted electrs).
type Esplora struct {
	baseURL string
	client  *http.Client
}

// NewEsplora creates an Esplora source for baseURL.
func NewEsplora(baseURL string, timeout time.Duration) *Esplora {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Esplora{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *Esplora) Name() string { return e.baseURL }

// CurrentTip implements Source.
func (e *Esplora) CurrentTip(ctx context.Context) (int64, error) {
	body, status, err := e.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, unavailable(e.baseURL, err)
	}
	if status != http.StatusOK {
		return 0, unavailable(e.baseURL, fmt.Errorf("tip: status %d", status))
	}
	tip, err := strconv.ParseInt(body, 10, 64)
	if err != nil {
		return 0, unavailable(e.baseURL, fmt.Errorf("tip: %w", err))
	}
	return tip, nil
}

// BlockHash implements Source.
func (e *Esplora) BlockHash(ctx context.Context, height int64) (string, error) {
	body, status, err := e.get(ctx, fmt.Sprintf("/block-height/%d", height))
	if err != nil {
		return "", unavailable(e.baseURL, err)
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		tip, err := e.CurrentTip(ctx)
		if err != nil {
			return "", &BlockNotMinedError{Height: height, Tip: -1}
		}
		if height <= tip {
			return "", unavailable(e.baseURL, fmt.Errorf("block %d missing below tip %d", height, tip))
		}
		return "", &BlockNotMinedError{Height: height, Tip: tip}
	default:
		return "", unavailable(e.baseURL, fmt.Errorf("block %d: status %d", height, status))
	}

	if !isHash(body) {
		return "", unavailable(e.baseURL, fmt.Errorf("block %d: malformed hash %q", height, body))
	}
	return strings.ToLower(body), nil
}

func (e *Esplora) get(ctx context.Context, path string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return strings.TrimSpace(string(data)), resp.StatusCode, nil
}
