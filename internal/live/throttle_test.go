package live

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sendRecorder struct {
	mu    sync.Mutex
	sends []int
}

func (r *sendRecorder) record(v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, v)
}

func (r *sendRecorder) values() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.sends...)
}

func TestThrottlerCoalescesBurst(t *testing.T) {
	rec := &sendRecorder{}
	th := NewThrottler(50*time.Millisecond, rec.record)
	defer th.Stop()

	start := time.Now()
	for i := 1; i <= 20; i++ {
		th.Submit(i)
	}
	require.Less(t, time.Since(start), 10*time.Millisecond)

	time.Sleep(120 * time.Millisecond)

	sends := rec.values()
	// ceil(10/50)+1
	assert.LessOrEqual(t, len(sends), 2)
	require.NotEmpty(t, sends)
	assert.Equal(t, 20, sends[len(sends)-1])
	assert.Equal(t, 1, sends[0])
}

func TestThrottlerSendsImmediatelyAfterQuietPeriod(t *testing.T) {
	rec := &sendRecorder{}
	th := NewThrottler(20*time.Millisecond, rec.record)
	defer th.Stop()

	th.Submit(1)
	assert.Equal(t, []int{1}, rec.values())

	time.Sleep(40 * time.Millisecond)
	th.Submit(2)
	assert.Equal(t, []int{1, 2}, rec.values())
}

func TestThrottlerFlushAndStop(t *testing.T) {
	rec := &sendRecorder{}
	th := NewThrottler(time.Hour, rec.record)

	th.Submit(1)
	th.Submit(2)
	th.Submit(3)
	th.Flush()
	assert.Equal(t, []int{1, 3}, rec.values())

	th.Stop()
	th.Submit(4)
	th.Flush()
	assert.Equal(t, []int{1, 3}, rec.values())
}
