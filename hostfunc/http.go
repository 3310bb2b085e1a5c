package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20 // 1MB
	DefaultRequestTimeout = 30 * time.Second
)

var allowedMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodOptions,
}

// HTTPConfig restricts guest HTTP access. An empty AllowedHosts disables
// requests entirely.
type HTTPConfig struct {
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// HTTP performs requests on behalf of the guest.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	log    *zap.Logger
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTP{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		log:    log,
	}
}

// Register exposes http_request and http_get on r.
func (h *HTTP) Register(r *Registry) {
	r.Register("http_request", h.Request)
	r.Register("http_get", h.Get)
}

// Get is Request with the method forced to GET.
func (h *HTTP) Get(ctx context.Context, args map[string]any) (any, error) {
	var req HTTPRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	req.Method = http.MethodGet
	return h.result(ctx, req)
}

func (h *HTTP) Request(ctx context.Context, args map[string]any) (any, error) {
	var req HTTPRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return h.result(ctx, req)
}

func (h *HTTP) result(ctx context.Context, req HTTPRequest) (any, error) {
	resp, err := h.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Do validates req against the config and performs it.
func (h *HTTP) Do(ctx context.Context, req HTTPRequest) (HTTPResponse, error) {
	target, err := h.check(&req)
	if err != nil {
		return HTTPResponse{}, err
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(hreq)
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize))
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("read response: %w", err)
	}

	h.log.Debug("guest http request",
		zap.String("method", req.Method),
		zap.String("host", target.Host),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)))

	out := HTTPResponse{
		Status:  resp.StatusCode,
		Body:    string(data),
		Headers: make(map[string]string, len(resp.Header)),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return out, nil
}

// check normalizes the method and returns the parsed target URL.
func (h *HTTP) check(req *HTTPRequest) (*url.URL, error) {
	req.Method = strings.ToUpper(req.Method)
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if !slices.Contains(allowedMethods, req.Method) {
		return nil, fmt.Errorf("unsupported method: %s", req.Method)
	}

	switch {
	case req.URL == "":
		return nil, errors.New("url required")
	case len(req.URL) > h.cfg.MaxURLLength:
		return nil, errors.New("url exceeds max length")
	}
	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, errors.New("invalid url")
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, errors.New("scheme must be http or https")
	}

	if len(h.cfg.AllowedHosts) == 0 {
		return nil, errors.New("http not enabled")
	}
	if host := target.Hostname(); !h.isHostAllowed(host) {
		return nil, fmt.Errorf("host not allowed: %s", host)
	}
	if int64(len(req.Body)) > h.cfg.MaxBodySize {
		return nil, errors.New("request body exceeds max size")
	}
	return target, nil
}

// isHostAllowed matches IP literals by address and names by exact or
// subdomain match, ignoring case.
func (h *HTTP) isHostAllowed(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return slices.ContainsFunc(h.cfg.AllowedHosts, func(allowed string) bool {
			aip := net.ParseIP(allowed)
			return aip != nil && aip.Equal(ip)
		})
	}
	host = strings.ToLower(host)
	return slices.ContainsFunc(h.cfg.AllowedHosts, func(allowed string) bool {
		allowed = strings.ToLower(allowed)
		return host == allowed || strings.HasSuffix(host, "."+allowed)
	})
}
