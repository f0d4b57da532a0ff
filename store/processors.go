package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehrlich-b/ioengine"
)

// CacheProcessor is an EventProcessor backing CacheUpdate events with a
// MemoryStore: event.FilePath (or, if empty, Metadata["key"]) is the cache
// key, event.Data is the value.
type CacheProcessor struct {
	store *MemoryStore
}

// NewCacheProcessor wraps store as a CacheUpdate EventProcessor.
func NewCacheProcessor(store *MemoryStore) *CacheProcessor {
	return &CacheProcessor{store: store}
}

func cacheKey(event ioengine.IOEvent) (string, error) {
	if event.FilePath != "" {
		return event.FilePath, nil
	}
	if k, ok := event.Metadata["key"]; ok && k != "" {
		return k, nil
	}
	return "", fmt.Errorf("cache update event %s has neither FilePath nor Metadata[\"key\"]", event.ID)
}

// Process implements ioengine.EventProcessor.
func (p *CacheProcessor) Process(ctx context.Context, event ioengine.IOEvent, opCtx *ioengine.OperationContext, cancel ioengine.CancelToken) (ioengine.Outcome, error) {
	key, err := cacheKey(event)
	if err != nil {
		return ioengine.Outcome{}, err
	}
	p.store.Put(key, event.Data)
	return ioengine.Outcome{BytesProcessed: uint64(len(event.Data))}, nil
}

var _ ioengine.EventProcessor = (*CacheProcessor)(nil)

// MetadataProcessor is an EventProcessor backing MetadataUpdate events: each
// event.Metadata entry is flattened into "key=value" lines and stored under
// event.FilePath, so a later Get reconstructs the full metadata set for that
// path.
type MetadataProcessor struct {
	store *MemoryStore
}

// NewMetadataProcessor wraps store as a MetadataUpdate EventProcessor.
func NewMetadataProcessor(store *MemoryStore) *MetadataProcessor {
	return &MetadataProcessor{store: store}
}

// Process implements ioengine.EventProcessor.
func (p *MetadataProcessor) Process(ctx context.Context, event ioengine.IOEvent, opCtx *ioengine.OperationContext, cancel ioengine.CancelToken) (ioengine.Outcome, error) {
	if event.FilePath == "" {
		return ioengine.Outcome{}, fmt.Errorf("metadata update event %s has no FilePath", event.ID)
	}

	var b strings.Builder
	for k, v := range event.Metadata {
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}
	encoded := []byte(b.String())
	p.store.Put(event.FilePath, encoded)

	return ioengine.Outcome{BytesProcessed: uint64(len(encoded)), MetadataAdd: event.Metadata}, nil
}

var _ ioengine.EventProcessor = (*MetadataProcessor)(nil)
