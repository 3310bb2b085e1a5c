package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

const (
	DefaultRequestTimeout = 60 * time.Second
	DefaultUserAgent      = "nest"
)

// HTTPConfig configures the HTTP fetcher.
type HTTPConfig struct {
	Client         *http.Client
	NoCache        bool
	MaxSize        int64
	RequestTimeout time.Duration
	UserAgent      string
	Logger         *zap.Logger
}

// HTTP fetches modules over http and https.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	log    *zap.Logger
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}

	return &HTTP{
		cfg:    cfg,
		client: client,
		log:    cfg.Logger,
	}
}

func (h *HTTP) Fetch(ctx context.Context, rawURL string) (*Module, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	req.Header.Set("Accept", "application/wasm, application/octet-stream;q=0.9, */*;q=0.1")
	req.Header.Set("Accept-Encoding", "br, gzip")
	req.Header.Set("User-Agent", h.cfg.UserAgent)
	if h.cfg.NoCache {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode, Status: resp.Status}
	}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	body, err := decodeBody(resp.Body, encoding)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := readLimited(body, h.cfg.MaxSize)
	if err != nil {
		return nil, err
	}

	h.log.Debug("fetched module",
		zap.String("url", rawURL),
		zap.Int("status", resp.StatusCode),
		zap.String("encoding", encoding),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)))

	return &Module{
		URL:         resp.Request.URL.String(),
		Bytes:       data,
		ContentType: resp.Header.Get("Content-Type"),
		Encoding:    encoding,
	}, nil
}

// decodeBody wraps r in a decompressor for encoding. Closing the result does
// not close r.
func decodeBody(r io.Reader, encoding string) (io.ReadCloser, error) {
	switch encoding {
	case "", "identity":
		return io.NopCloser(r), nil
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("decode gzip: %w", err)
		}
		return zr, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > max {
		return nil, ErrTooLarge
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	return data, nil
}
