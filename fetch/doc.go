// Package fetch retrieves WebAssembly module bytes for the loader.
//
// # Overview
//
// A [Fetcher] turns a module locator into bytes. [Router] dispatches on the
// locator's scheme: http and https go to [HTTP], file URLs and bare paths go
// to [File].
//
//	f := fetch.New(fetch.HTTPConfig{NoCache: true})
//	mod, err := f.Fetch(ctx, "https://example.com/compiled/app.wasm")
//
// # Caching
//
// With NoCache set, every HTTP request carries "Cache-Control: no-cache" and
// "Pragma: no-cache" so intermediaries revalidate instead of serving a stale
// module.
//
// # Compression
//
// Responses encoded with br or gzip are decoded transparently. The size
// limit applies to the decoded bytes.
//
// # Retries
//
// [Retry] wraps any Fetcher and retries transport failures and 5xx/429
// responses with exponential backoff. Client errors are never retried.
package fetch
