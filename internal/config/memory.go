package config

import (
	"fmt"
	"strconv"
	"strings"
)

const pageSize = 64 << 10

// maxPages is the wasm32 limit of 4GB.
const maxPages = 65536

// ParseMemory converts a size such as "64mb", "1gb" or "512kb" to 64KB
// pages. The size must be a whole number of pages.
func ParseMemory(s string) (uint32, error) {
	in := strings.ToLower(strings.TrimSpace(s))

	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"kb", 1 << 10},
		{"mb", 1 << 20},
		{"gb", 1 << 30},
		{"b", 1},
	} {
		if strings.HasSuffix(in, u.suffix) {
			in = strings.TrimSuffix(in, u.suffix)
			mult = u.mult
			break
		}
	}

	n, err := strconv.ParseInt(in, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid memory size %q", s)
	}
	if n > maxPages*pageSize/mult {
		return 0, fmt.Errorf("memory size %q exceeds 4gb", s)
	}
	bytes := n * mult
	if bytes%pageSize != 0 {
		return 0, fmt.Errorf("memory size %q is not a multiple of 64kb", s)
	}
	pages := bytes / pageSize
	if pages > maxPages {
		return 0, fmt.Errorf("memory size %q exceeds 4gb", s)
	}
	return uint32(pages), nil
}
