package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DefaultMaxSize bounds the decoded size of a fetched module.
const DefaultMaxSize = 256 << 20

var (
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	ErrTooLarge          = errors.New("module exceeds max size")
	ErrEmpty             = errors.New("empty module")
	ErrInvalidURL        = errors.New("invalid url")
)

// Module is a fetched module binary.
type Module struct {
	URL         string
	Bytes       []byte
	ContentType string
	Encoding    string
}

// Fetcher retrieves module bytes from a locator.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Module, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, rawURL string) (*Module, error)

func (f FetcherFunc) Fetch(ctx context.Context, rawURL string) (*Module, error) {
	return f(ctx, rawURL)
}

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

// Router dispatches on URL scheme.
type Router struct {
	HTTP Fetcher
	File Fetcher
}

// New returns a Router with an HTTP fetcher built from cfg and a file
// fetcher sharing its size limit.
func New(cfg HTTPConfig) *Router {
	h := NewHTTP(cfg)
	return &Router{
		HTTP: h,
		File: NewFile(h.cfg.MaxSize),
	}
}

func (r *Router) Fetch(ctx context.Context, rawURL string) (*Module, error) {
	scheme, err := Scheme(rawURL)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "http", "https":
		return r.HTTP.Fetch(ctx, rawURL)
	case "file":
		return r.File.Fetch(ctx, rawURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

// Scheme returns the lower-cased scheme of rawURL, or "file" for bare paths.
func Scheme(rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("%w: url required", ErrInvalidURL)
	}
	if !strings.Contains(rawURL, "://") {
		return "file", nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	return strings.ToLower(parsed.Scheme), nil
}
