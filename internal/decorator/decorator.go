// Package decorator attaches per-item metadata to a resolver's response
// before it's returned to the caller (spec.md §4.5). Two backends are
// supported: a remote key-value table (batched lookups against a
// Redis-compatible store) and a locally cached, periodically
// object-storage-synced indexed file.
package decorator

import (
	"context"
)

// Item is the minimal shape a decorator needs to read and write: an
// identifier to look up and a metadata bag to fill in.
type Item struct {
	ItemID   string
	Metadata map[string]any
}

// MetadataDecorator enriches a batch of items in place.
type MetadataDecorator interface {
	Decorate(ctx context.Context, items []*Item, columns []string) error
	Close() error
}
