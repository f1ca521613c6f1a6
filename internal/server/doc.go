// Package server hosts the Fiber HTTP front that streams origin-cache files to
// HTTP clients. Every request gets an X-Request-ID, GET/HEAD requests are
// resolved through a fileprovider.FilePath tree with single-range support, and
// the /-/stats and /-/metrics diagnostics expose the cache statistics.
package server
