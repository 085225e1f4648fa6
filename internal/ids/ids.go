// Package ids issues room identifiers and RTP synchronization sources.
package ids

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/randutil"

	"github.com/dkeye/Stage/internal/domain"
)

// maxDraws bounds the rejection loop; with 2^32 values it is never reached
// unless the generator is broken.
const maxDraws = 1 << 16

var ErrSSRCExhausted = errors.New("no free ssrc")

// NewRoomID returns a random room identifier. Uniqueness among live rooms is
// enforced by the registry, not here.
func NewRoomID() domain.RoomID {
	return domain.RoomID(uuid.NewString())
}

// SSRCPool tracks SSRCs of live encodings process-wide.
type SSRCPool struct {
	mu    sync.Mutex
	inUse map[uint32]struct{}
	draw  func() uint32
}

type Option func(*SSRCPool)

// WithGenerator replaces the random source.
func WithGenerator(draw func() uint32) Option {
	return func(p *SSRCPool) { p.draw = draw }
}

func NewSSRCPool(opts ...Option) *SSRCPool {
	rng := randutil.NewMathRandomGenerator()
	p := &SSRCPool{
		inUse: make(map[uint32]struct{}),
		draw:  rng.Uint32,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Acquire draws values until one is neither zero nor live and reserves it.
func (p *SSRCPool) Acquire() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for range maxDraws {
		ssrc := p.draw()
		if ssrc == 0 {
			continue
		}
		if _, taken := p.inUse[ssrc]; taken {
			continue
		}
		p.inUse[ssrc] = struct{}{}
		return ssrc, nil
	}
	return 0, ErrSSRCExhausted
}

// Release frees previously acquired values. Unknown values are ignored.
func (p *SSRCPool) Release(ssrcs ...uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range ssrcs {
		delete(p.inUse, s)
	}
}

func (p *SSRCPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
