package bucketing

import (
	"testing"
	"time"

	"auth-core/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestEventBucketIsStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{EventBuckets: 16})

	first := bm.EventBucket("user-1")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, bm.EventBucket("user-1"))
	}

	seen := map[int]bool{}
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		b := bm.EventBucket(id)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
		seen[b] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestZeroBucketsFallsBackToOne(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{})
	assert.Equal(t, 0, bm.EventBucket("anything"))
	assert.Equal(t, 1, bm.EventBuckets())
}

func TestDateBucketUsesUTC(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{EventBuckets: 4})
	loc := time.FixedZone("UTC+10", 10*3600)
	ts := time.Date(2026, 3, 2, 5, 0, 0, 0, loc)
	assert.Equal(t, "2026-03-01", bm.DateBucket(ts))
}
