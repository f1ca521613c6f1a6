// Package resource presents data sources (cached files or in-flight caching
// sessions) to the streaming layer as file-like Resources with a read offset,
// and defines the push Producer/Consumer contract used for pipelined
// delivery.
package resource
