// Package strategy decides how each request is served: from a fresh cached
// file, from a caching session already downloading the resource, or from a
// new session that downloads it into the cache while readers consume it.
//
// A CachingSession owns one download into a temporary file and shares the
// bytes already written with any number of RemoteSources. Readers that get
// ahead of the download fall back to ranged block requests against the
// origin (BlockRequester) guarded by If-Unmodified-Since, so a resource that
// changes mid-download is detected and the session canceled.
//
// Lock order is session before strategy; the strategy never calls into a
// session while holding its own lock.
package strategy
