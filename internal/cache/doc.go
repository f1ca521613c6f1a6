// Package cache owns the on-disk cache directory of the origin cache. Cached
// resources live in a flat directory as <sha1(realm:path)> files whose mtime
// equals the origin Last-Modified; downloads in progress are pre-sized .tmp
// files published by rename once complete. The Manager keeps an estimate of
// the directory usage, reserves space for new downloads and evicts the least
// recently accessed files when the high watermark would be exceeded.
package cache
