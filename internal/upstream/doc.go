// Package upstream talks to HTTP origin servers. A ServerSelector resolves
// configured hostnames into prioritised endpoints and keeps them fresh; a
// StreamRequester performs a single ranged/conditional GET against one
// endpoint and streams the outcome to a StreamConsumer; a RequestManager
// drives one logical retrieval across endpoints, falling back on
// connection failures.
//
// Consumer callbacks are delivered from a requester goroutine, never from
// the goroutine that called Retrieve.
package upstream
