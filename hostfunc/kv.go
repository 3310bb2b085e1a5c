package hostfunc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	DefaultKVMaxKeySize   = 256
	DefaultKVMaxValueSize = 64 << 10 // 64KB
	DefaultKVMaxEntries   = 1000
)

// KVConfig bounds the store. Zero values disable the corresponding limit.
type KVConfig struct {
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

func DefaultKVConfig() KVConfig {
	return KVConfig{
		MaxKeySize:   DefaultKVMaxKeySize,
		MaxValueSize: DefaultKVMaxValueSize,
		MaxEntries:   DefaultKVMaxEntries,
	}
}

// KVOption adjusts a KVConfig.
type KVOption func(*KVConfig)

func WithMaxKeySize(n int) KVOption {
	return func(c *KVConfig) { c.MaxKeySize = n }
}

func WithMaxValueSize(n int) KVOption {
	return func(c *KVConfig) { c.MaxValueSize = n }
}

func WithMaxEntries(n int) KVOption {
	return func(c *KVConfig) { c.MaxEntries = n }
}

// KV is an in-memory key-value store shared by the guest through the call
// import. It lives as long as the host keeps it.
type KV struct {
	cfg  KVConfig
	data map[string]any
	mu   sync.RWMutex
}

func NewKV(cfg KVConfig, opts ...KVOption) *KV {
	for _, opt := range opts {
		opt(&cfg)
	}
	return &KV{cfg: cfg, data: make(map[string]any)}
}

// Register exposes kv_get, kv_set, kv_delete and kv_keys on r.
func (s *KV) Register(r *Registry) {
	r.Register("kv_get", s.Get)
	r.Register("kv_set", s.Set)
	r.Register("kv_delete", s.Delete)
	r.Register("kv_keys", s.Keys)
}

func (s *KV) Get(ctx context.Context, args map[string]any) (any, error) {
	var req KVGetRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if err := s.checkKey(req.Key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	val, exists := s.data[req.Key]
	s.mu.RUnlock()

	if !exists {
		return req.Default, nil
	}
	return val, nil
}

func (s *KV) Set(ctx context.Context, args map[string]any) (any, error) {
	var req KVSetRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if err := s.checkKey(req.Key); err != nil {
		return nil, err
	}
	if req.Value == nil {
		return nil, errors.New("value required")
	}
	if s.cfg.MaxValueSize > 0 && len(req.Value) > s.cfg.MaxValueSize {
		return nil, fmt.Errorf("value exceeds max size of %d bytes", s.cfg.MaxValueSize)
	}

	var val any
	if err := json.Unmarshal(req.Value, &val); err != nil {
		return nil, fmt.Errorf("value not decodable: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[req.Key]; !exists && s.cfg.MaxEntries > 0 && len(s.data) >= s.cfg.MaxEntries {
		return nil, fmt.Errorf("store full (%d entries)", s.cfg.MaxEntries)
	}
	s.data[req.Key] = val

	return "ok", nil
}

func (s *KV) Delete(ctx context.Context, args map[string]any) (any, error) {
	var req KVDeleteRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if err := s.checkKey(req.Key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.data, req.Key)
	s.mu.Unlock()

	return "ok", nil
}

func (s *KV) Keys(ctx context.Context, args map[string]any) (any, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

func (s *KV) checkKey(key string) error {
	if key == "" {
		return errors.New("key required")
	}
	if s.cfg.MaxKeySize > 0 && len(key) > s.cfg.MaxKeySize {
		return fmt.Errorf("key exceeds max size of %d bytes", s.cfg.MaxKeySize)
	}
	return nil
}
