package fetch

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// File reads modules from the local filesystem.
type File struct {
	maxSize int64
}

func NewFile(maxSize int64) *File {
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	return &File{maxSize: maxSize}
}

func (f *File) Fetch(ctx context.Context, rawURL string) (*Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := filePath(rawURL)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := readLimited(file, f.maxSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &Module{
		URL:         rawURL,
		Bytes:       data,
		ContentType: "application/wasm",
	}, nil
}

func filePath(rawURL string) (string, error) {
	if !strings.Contains(rawURL, "://") {
		return rawURL, nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if parsed.Host != "" && parsed.Host != "localhost" {
		return "", fmt.Errorf("file url with remote host %q", parsed.Host)
	}
	return parsed.Path, nil
}
