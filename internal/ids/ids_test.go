package ids

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scripted(values ...uint32) func() uint32 {
	i := 0
	return func() uint32 {
		v := values[i%len(values)]
		i++
		return v
	}
}

func TestNewRoomIDIsRandom(t *testing.T) {
	a, b := NewRoomID(), NewRoomID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestAcquireRedrawsTakenAndZero(t *testing.T) {
	p := NewSSRCPool(WithGenerator(scripted(7, 0, 7, 7, 9)))

	first, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), first)

	second, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, uint32(9), second)
	assert.Equal(t, 2, p.InUse())
}

func TestReleaseMakesValueReusable(t *testing.T) {
	p := NewSSRCPool(WithGenerator(scripted(42)))

	v, err := p.Acquire()
	require.NoError(t, err)

	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrSSRCExhausted)

	p.Release(v, 12345)
	assert.Equal(t, 0, p.InUse())

	again, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, v, again)
}

func TestConcurrentAcquireIsUnique(t *testing.T) {
	p := NewSSRCPool()
	const workers, each = 16, 200

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint32]struct{}, workers*each)
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				v, err := p.Acquire()
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				_, dup := seen[v]
				seen[v] = struct{}{}
				mu.Unlock()
				assert.False(t, dup, "duplicate ssrc %d", v)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, workers*each, p.InUse())
}
