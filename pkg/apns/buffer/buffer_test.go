package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/apnshub/pkg/apns"
)

func entry(seq uint32) apns.SendableNotification {
	return apns.SendableNotification{
		Notification:   apns.NewNotification([]byte{byte(seq)}, "{}"),
		SequenceNumber: seq,
	}
}

func seqs(b *SentBuffer, after uint32) []byte {
	var out []byte
	for _, n := range b.AllAfter(after) {
		out = append(out, n.Token[0])
	}
	return out
}

func TestNew_InvalidCapacity(t *testing.T) {
	for _, c := range []int{0, -1} {
		_, err := New(c)
		assert.Error(t, err)
	}
}

func TestPush_EvictsOldest(t *testing.T) {
	const capacity = 4
	b, err := New(capacity)
	require.NoError(t, err)

	for seq := uint32(1); seq <= capacity+1; seq++ {
		b.Push(entry(seq))
	}

	assert.Equal(t, capacity, b.Len())
	assert.Equal(t, capacity, b.Capacity())
	_, found := b.Find(1)
	assert.False(t, found, "oldest entry evicted")
	for seq := uint32(2); seq <= capacity+1; seq++ {
		_, found := b.Find(seq)
		assert.True(t, found, "seq %d retained", seq)
	}

	low, ok := b.Lowest()
	require.True(t, ok)
	assert.Equal(t, uint32(2), low)
	high, ok := b.Highest()
	require.True(t, ok)
	assert.Equal(t, uint32(capacity+1), high)
}

func TestPush_ManyWraps(t *testing.T) {
	b, err := New(3)
	require.NoError(t, err)
	for seq := uint32(1); seq <= 100; seq++ {
		b.Push(entry(seq))
	}
	assert.Equal(t, []byte{98, 99, 100}, seqs(b, 0))
}

func TestPruneBefore(t *testing.T) {
	b, err := New(DefaultCapacity)
	require.NoError(t, err)
	for seq := uint32(1); seq <= 5; seq++ {
		b.Push(entry(seq))
	}

	b.PruneBefore(3)
	assert.Equal(t, 3, b.Len())
	_, found := b.Find(3)
	assert.True(t, found, "the pruning sequence number itself is kept")
	low, _ := b.Lowest()
	assert.Equal(t, uint32(3), low)
}

func TestPruneBefore_Wraparound(t *testing.T) {
	b, err := New(DefaultCapacity)
	require.NoError(t, err)
	for _, seq := range []uint32{4294967294, 4294967295, 0, 1} {
		b.Push(entry(seq))
	}

	b.PruneBefore(0)

	assert.Equal(t, 2, b.Len())
	_, found := b.Find(4294967295)
	assert.False(t, found)
	_, found = b.Find(0)
	assert.True(t, found)
	_, found = b.Find(1)
	assert.True(t, found)
}

func TestAllAfter_Wraparound(t *testing.T) {
	b, err := New(DefaultCapacity)
	require.NoError(t, err)
	for _, seq := range []uint32{4294967294, 4294967295, 0, 1} {
		b.Push(entry(seq))
	}

	got := b.AllAfter(4294967295)
	require.Len(t, got, 2)
	assert.Equal(t, []byte{0}, got[0].Token)
	assert.Equal(t, []byte{1}, got[1].Token)
	assert.Empty(t, b.AllAfter(1))
}

func TestClear(t *testing.T) {
	b, err := New(2)
	require.NoError(t, err)
	b.Push(entry(1))
	b.Push(entry(2))
	b.Clear()

	assert.True(t, b.IsEmpty())
	_, ok := b.Lowest()
	assert.False(t, ok)
	_, ok = b.Highest()
	assert.False(t, ok)

	b.Push(entry(3))
	assert.Equal(t, []byte{3}, seqs(b, 0))
}

func TestConcurrentWriterAndReader(t *testing.T) {
	b, err := New(64)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for seq := uint32(1); seq <= 1000; seq++ {
			b.Push(entry(seq))
		}
	}()
	go func() {
		defer wg.Done()
		for i := uint32(0); i < 1000; i++ {
			b.PruneBefore(i)
			b.AllAfter(i)
		}
	}()
	wg.Wait()
	assert.LessOrEqual(t, b.Len(), 64)
}
