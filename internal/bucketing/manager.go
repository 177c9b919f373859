package bucketing

import (
	"hash"
	"sync"
	"time"

	"auth-core/internal/config"

	"github.com/spaolacci/murmur3"
)

const dateLayout = "2006-01-02"

// BucketingManager maps identifiers onto a fixed number of partitions with
// murmur3, so audit rows for one actor always land in the same partition.
type BucketingManager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	buckets := cfg.EventBuckets
	if buckets <= 0 {
		buckets = 1
	}
	return &BucketingManager{
		eventBuckets: buckets,
		hasherPool: sync.Pool{
			New: func() any { return murmur3.New64() },
		},
	}
}

// EventBucket returns a stable bucket in [0, EventBuckets).
func (bm *BucketingManager) EventBucket(identifier string) int {
	h := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(h)

	h.Reset()
	_, _ = h.Write([]byte(identifier))
	return int(h.Sum64() % uint64(bm.eventBuckets))
}

// DateBucket is the UTC calendar day of t.
func (bm *BucketingManager) DateBucket(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}
