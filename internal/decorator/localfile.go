package decorator

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// DefaultLocalFileSyncInterval is how often a namespace's indexed file is
// re-downloaded from object storage absent an explicit override.
const DefaultLocalFileSyncInterval = 300 * time.Second

// hotCacheSize bounds the in-memory hot-key cache sitting in front of the
// full index, trading a little staleness risk for avoiding a map lookup
// (and its lock) on the hottest items.
const hotCacheSize = 2048

// S3GetObjectClient is the subset of s3.Client this decorator calls.
type S3GetObjectClient interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// LocalIndexedFileDecorator enriches items from a gzip-compressed,
// newline-delimited JSON index file synced periodically from object
// storage into memory. Missing or not-yet-downloaded files degrade to a
// passthrough (items pass through undecorated) rather than failing the
// request.
type LocalIndexedFileDecorator struct {
	Client S3GetObjectClient
	Bucket string
	Key    string
	Logger *slog.Logger

	SyncInterval time.Duration

	mu   sync.RWMutex
	data map[string]map[string]any

	hotCache *lru.Cache[string, map[string]any]

	cancel context.CancelFunc
}

// NewLocalIndexedFileDecorator builds a decorator for the given bucket/key
// and starts its background sync loop.
func NewLocalIndexedFileDecorator(client S3GetObjectClient, bucket, key string, syncInterval time.Duration, logger *slog.Logger) *LocalIndexedFileDecorator {
	if syncInterval <= 0 {
		syncInterval = DefaultLocalFileSyncInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, map[string]any](hotCacheSize)

	d := &LocalIndexedFileDecorator{
		Client:       client,
		Bucket:       bucket,
		Key:          key,
		Logger:       logger,
		SyncInterval: syncInterval,
		hotCache:     cache,
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.syncLoop(ctx)
	return d
}

func (d *LocalIndexedFileDecorator) syncLoop(ctx context.Context) {
	if err := d.refresh(ctx); err != nil {
		d.Logger.Warn("local indexed file decorator: initial sync failed, serving passthrough", "bucket", d.Bucket, "key", d.Key, "error", err)
	}

	ticker := time.NewTicker(d.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.refresh(ctx); err != nil {
				d.Logger.Warn("local indexed file decorator: sync failed, serving stale data", "bucket", d.Bucket, "key", d.Key, "error", err)
			}
		}
	}
}

func isNotFound(err error) bool {
	var nf *s3.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

func (d *LocalIndexedFileDecorator) refresh(ctx context.Context) error {
	out, err := d.Client.GetObject(ctx, &s3.GetObjectInput{Bucket: &d.Bucket, Key: &d.Key})
	if err != nil {
		if isNotFound(err) {
			d.Logger.Warn("local indexed file decorator: index object not found, leaving existing data in place", "bucket", d.Bucket, "key", d.Key)
			return nil
		}
		return err
	}
	defer out.Body.Close()

	gz, err := gzip.NewReader(out.Body)
	if err != nil {
		return err
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return err
	}

	next := make(map[string]map[string]any)
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(line, &doc); err != nil {
			continue
		}
		id, ok := doc["itemId"].(string)
		if !ok || id == "" {
			continue
		}
		next[id] = doc
	}

	old := d.swap(next)
	_ = old // the previous index is simply dropped; there's no handle to close
	return nil
}

func (d *LocalIndexedFileDecorator) swap(next map[string]map[string]any) map[string]map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.data
	d.data = next
	d.hotCache.Purge()
	return old
}

func (d *LocalIndexedFileDecorator) Decorate(ctx context.Context, items []*Item, columns []string) error {
	allowed := columnSet(columns)

	d.mu.RLock()
	index := d.data
	d.mu.RUnlock()

	for _, item := range items {
		if doc, ok := d.hotCache.Get(item.ItemID); ok {
			mergeMetadata(item, doc, allowed)
			continue
		}
		if index == nil {
			continue
		}
		doc, ok := index[item.ItemID]
		if !ok {
			continue
		}
		d.hotCache.Add(item.ItemID, doc)
		mergeMetadata(item, doc, allowed)
	}
	return nil
}

func mergeMetadata(item *Item, doc map[string]any, allowed map[string]bool) {
	if item.Metadata == nil {
		item.Metadata = map[string]any{}
	}
	for k, v := range doc {
		if k == "itemId" {
			continue
		}
		if allowed != nil && !allowed[k] {
			continue
		}
		item.Metadata[k] = v
	}
}

func (d *LocalIndexedFileDecorator) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}
