package hostfunc

import (
	"encoding/json"
	"fmt"
)

// CallRequest is the JSON payload a guest passes to the call import.
type CallRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

// CallResponse is the JSON payload the guest retrieves with take.
type CallResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// KVGetRequest is the argument object of kv_get. Default is returned when
// the key is absent.
type KVGetRequest struct {
	Key     string `json:"key"`
	Default any    `json:"default,omitempty"`
}

// KVSetRequest is the argument object of kv_set. Value stays encoded until
// its size has been checked.
type KVSetRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// KVDeleteRequest is the argument object of kv_delete.
type KVDeleteRequest struct {
	Key string `json:"key"`
}

// HTTPRequest is the argument object of http_request and http_get.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// HTTPResponse is what http_request hands back to the guest.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// decodeArgs converts registry arguments into a typed request.
func decodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
