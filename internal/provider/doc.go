// Package provider assembles the origin-cache stack from configuration: the
// cache directory manager, origin server selection, the HTTP stream requester,
// the caching strategy and the resource manager. It exposes the result as a
// fileprovider.FilePath tree rooted at the configured logical path.
package provider
