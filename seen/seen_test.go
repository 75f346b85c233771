package seen

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHasSeenMarkSeen(t *testing.T) {
	c := New(10, time.Minute)

	assert.False(t, c.HasSeen("cid-blake3:ba"))
	c.MarkSeen("cid-blake3:ba")
	assert.True(t, c.HasSeen("cid-blake3:ba"))
	assert.False(t, c.HasSeen("cid-blake3:bb"))
	assert.Equal(t, 1, c.Len())
}

func TestEvictionAtCapacity(t *testing.T) {
	c := New(3, time.Minute)

	for i := 0; i < 5; i++ {
		c.MarkSeen(fmt.Sprintf("cid-blake3:b%d", i))
	}

	assert.Equal(t, 3, c.Len())
	// The oldest entries fell out.
	assert.False(t, c.HasSeen("cid-blake3:b0"))
	assert.False(t, c.HasSeen("cid-blake3:b1"))
	assert.True(t, c.HasSeen("cid-blake3:b4"))
}

func TestWindowExpiry(t *testing.T) {
	c := New(10, 20*time.Millisecond)

	c.MarkSeen("cid-blake3:bshort")
	assert.True(t, c.HasSeen("cid-blake3:bshort"))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, c.HasSeen("cid-blake3:bshort"))
}

func TestDefaultsApplied(t *testing.T) {
	c := New(0, 0)
	c.MarkSeen("cid-blake3:bx")
	assert.True(t, c.HasSeen("cid-blake3:bx"))
}
