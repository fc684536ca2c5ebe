package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opd-ai/permastore/limits"
)

// Headers set by the peer API on file responses.
const (
	FilenameHeader = "X-Permastore-Filename"
	HashHeader     = "X-Permastore-Hash"
)

// FetchResult is content returned by a remote provider, not yet verified.
type FetchResult struct {
	Data        []byte
	Filename    string
	ContentType string
}

// Fetcher retrieves content from a provider's peer API.
type Fetcher interface {
	Fetch(ctx context.Context, providerURL, hash string, maxSize int64) (*FetchResult, error)
}

// HTTPFetcher fetches content with GET {providerURL}/file/{hash}.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher returns a fetcher whose requests time out after timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch downloads hash from providerURL, reading at most maxSize bytes.
func (f *HTTPFetcher) Fetch(ctx context.Context, providerURL, hash string, maxSize int64) (*FetchResult, error) {
	if maxSize <= 0 {
		maxSize = limits.DefaultMaxUploadSize
	}

	url := strings.TrimRight(providerURL, "/") + "/file/" + hash
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w at %s", ErrContentNotFound, providerURL)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	case resp.ContentLength > maxSize:
		return nil, fmt.Errorf("%w: advertised size %d exceeds limit %d", limits.ErrMessageTooLarge, resp.ContentLength, maxSize)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body from %s: %w", url, err)
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: body exceeds limit %d", limits.ErrMessageTooLarge, maxSize)
	}

	return &FetchResult{
		Data:        data,
		Filename:    resp.Header.Get(FilenameHeader),
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
