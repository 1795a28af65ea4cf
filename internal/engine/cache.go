package engine

import (
	"sync"

	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/logspace"
)

// approxEntryBytes sizes the LRU in entries from a MB budget. Payloads are
// snappy-compressed, so the estimate leans small.
const approxEntryBytes = 4096

type cachedEntry struct {
	metadata logspace.LogMetaData
	userTags []uint64
	data     []byte
}

// LogCache is the engine's capped read-your-writes cache keyed by seqnum.
// Aux data lives beside the payload and is last-writer-wins per seqnum.
type LogCache struct {
	mu      sync.Mutex
	entries *lru.Cache
	auxData *lru.Cache
	logger  *zap.Logger
}

// NewLogCache creates a cache bounded by roughly capMB megabytes.
func NewLogCache(capMB int, logger *zap.Logger) (*LogCache, error) {
	capEntries := capMB * 1024 * 1024 / approxEntryBytes
	if capEntries < 1 {
		capEntries = 1
	}
	entries, err := lru.New(capEntries)
	if err != nil {
		return nil, err
	}
	auxData, err := lru.New(capEntries)
	if err != nil {
		return nil, err
	}
	return &LogCache{entries: entries, auxData: auxData, logger: logger}, nil
}

// Put stores a sequenced log entry.
func (c *LogCache) Put(metadata logspace.LogMetaData, userTags []uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(metadata.Seqnum, &cachedEntry{
		metadata: metadata,
		userTags: append([]uint64(nil), userTags...),
		data:     snappy.Encode(nil, data),
	})
}

// Get returns the cached entry for a seqnum.
func (c *LogCache) Get(seqnum uint64) (*logspace.LogEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries.Get(seqnum)
	if !ok {
		return nil, false
	}
	cached := value.(*cachedEntry)
	data, err := snappy.Decode(nil, cached.data)
	if err != nil {
		c.logger.Error("Corrupted cache entry", zap.Uint64("seqnum", seqnum), zap.Error(err))
		c.entries.Remove(seqnum)
		return nil, false
	}
	return &logspace.LogEntry{
		Metadata: cached.metadata,
		UserTags: cached.userTags,
		Data:     data,
	}, true
}

// PutAuxData stores auxiliary data for a seqnum.
func (c *LogCache) PutAuxData(seqnum uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auxData.Add(seqnum, append([]byte(nil), data...))
}

// GetAuxData returns the auxiliary data for a seqnum.
func (c *LogCache) GetAuxData(seqnum uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.auxData.Get(seqnum)
	if !ok {
		return nil, false
	}
	return value.([]byte), true
}
