package decorator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/aws-samples/personalization-apis-go/internal/apierrors"
	"github.com/aws-samples/personalization-apis-go/internal/obsv"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// maxBatchSize is the largest single MGET this decorator issues; larger
// item lists are split into chunks of this size and fetched concurrently.
const maxBatchSize = 50

// KeyValueStoreDecorator enriches items from a remote key-value table
// (a Redis-compatible store holding one JSON document per item, keyed by
// "<table>:<itemId>"). Lookups are batched, chunked at maxBatchSize, and
// retried with exponential backoff against transient failures.
type KeyValueStoreDecorator struct {
	Client  *redis.Client
	Table   string
	Metrics obsv.Metrics
}

// NewKeyValueStoreDecorator builds a KeyValueStoreDecorator against the
// given table (namespace) name.
func NewKeyValueStoreDecorator(client *redis.Client, table string, metrics obsv.Metrics) *KeyValueStoreDecorator {
	if metrics == nil {
		metrics = obsv.Noop{}
	}
	return &KeyValueStoreDecorator{Client: client, Table: table, Metrics: metrics}
}

func (d *KeyValueStoreDecorator) key(itemID string) string {
	return d.Table + ":" + itemID
}

// Decorate looks up each item's metadata by id, issuing at most one key
// lookup per unique id (spec.md §8): duplicate ids in items (e.g. the same
// item appearing twice in a ranked list) share a single fetch, and the
// chunking cap of maxBatchSize applies to the unique-id count, not the raw
// item count (spec.md §4.5).
func (d *KeyValueStoreDecorator) Decorate(ctx context.Context, items []*Item, columns []string) error {
	if len(items) == 0 {
		return nil
	}

	order := make([]string, 0, len(items))
	positions := make(map[string][]*Item, len(items))
	for _, it := range items {
		if _, seen := positions[it.ItemID]; !seen {
			order = append(order, it.ItemID)
		}
		positions[it.ItemID] = append(positions[it.ItemID], it)
	}

	unique := make([]*Item, len(order))
	for i, id := range order {
		unique[i] = &Item{ItemID: id}
	}

	chunks := chunkItems(unique, maxBatchSize)
	if err := d.fetchChunks(ctx, chunks, columns); err != nil {
		return err
	}

	for _, u := range unique {
		for _, it := range positions[u.ItemID] {
			it.Metadata = u.Metadata
		}
	}
	return nil
}

func (d *KeyValueStoreDecorator) fetchChunks(ctx context.Context, chunks [][]*Item, columns []string) error {
	if len(chunks) == 1 {
		return d.fetchChunk(ctx, chunks[0], columns)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(chunks))
	for _, chunk := range chunks {
		wg.Add(1)
		go func(c []*Item) {
			defer wg.Done()
			if err := d.fetchChunk(ctx, c, columns); err != nil {
				errCh <- err
			}
		}(chunk)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func chunkItems(items []*Item, size int) [][]*Item {
	var chunks [][]*Item
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}

func (d *KeyValueStoreDecorator) fetchChunk(ctx context.Context, items []*Item, columns []string) error {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = d.key(it.ItemID)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.Multiplier = 2
	eb.MaxInterval = 1500 * time.Millisecond

	var values []any
	op := func() error {
		var err error
		values, err = d.Client.MGet(ctx, keys...).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, 2), ctx)); err != nil {
		d.Metrics.IncCounter("decorator_kv_errors_total", "table", d.Table)
		if strings.Contains(strings.ToLower(err.Error()), "limit") || strings.Contains(strings.ToLower(err.Error()), "busy") {
			return apierrors.Throttled("metadata_store_throttled", "the metadata key-value store is throttling requests")
		}
		return apierrors.Downstream("metadata_store_unavailable", err.Error())
	}

	allowed := columnSet(columns)
	for i, raw := range values {
		if raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			continue
		}
		if items[i].Metadata == nil {
			items[i].Metadata = map[string]any{}
		}
		for k, v := range doc {
			if allowed != nil && !allowed[k] {
				continue
			}
			items[i].Metadata[k] = v
		}
	}
	return nil
}

func columnSet(columns []string) map[string]bool {
	if len(columns) == 0 {
		return nil
	}
	set := make(map[string]bool, len(columns))
	for _, c := range columns {
		set[c] = true
	}
	return set
}

func (d *KeyValueStoreDecorator) Close() error {
	return nil
}
