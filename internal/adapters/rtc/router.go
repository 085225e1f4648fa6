package rtc

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/app/sfu"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// Router implements core.Router.
type Router struct {
	id     string
	api    *webrtc.API
	codecs []core.CodecCapability
	opts   Options
	relays *sfu.Manager

	mu         sync.RWMutex
	closed     bool
	transports map[string]*Transport
	producers  map[string]*producer
	consumers  map[string]*consumer
}

func newRouter(api *webrtc.API, codecs []core.CodecCapability, opts Options) *Router {
	r := &Router{
		id:         uuid.NewString(),
		api:        api,
		codecs:     slices.Clone(codecs),
		opts:       opts,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*producer),
		consumers:  make(map[string]*consumer),
	}
	r.relays = sfu.NewManager(
		sfu.WithSourceEnded(r.sourceEnded),
		sfu.WithSinkDropped(r.sinkDropped),
	)
	return r
}

func (r *Router) Capabilities() core.Capabilities {
	return core.Capabilities{Codecs: slices.Clone(r.codecs)}
}

func (r *Router) CreateTransport(ctx context.Context, ref string) (core.Transport, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRouterClosed
	}

	t, err := newTransport(ctx, r, ref)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = t.Close()
		return nil, ErrRouterClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) CanConsume(trackID string, caps core.Capabilities) bool {
	p, ok := r.producer(trackID)
	if !ok || p.Closed() {
		return false
	}
	_, ok = pickCodec(r.codecs, p.kind, caps)
	return ok
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRouterClosed
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	r.relays.StopAll()
	log.Info().Str("module", "rtc").Str("router", r.id).Msg("router closed")
	return nil
}

func (r *Router) producer(id string) (*producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) consumer(id string) (*consumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[id]
	return c, ok
}

func (r *Router) addProducer(p *producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *Router) addConsumer(c *consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[c.id] = c
}

func (r *Router) forgetProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *Router) forgetConsumer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.consumers, id)
}

func (r *Router) forgetTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

func (r *Router) sourceEnded(producerID string) {
	if p, ok := r.producer(producerID); ok {
		log.Info().Str("module", "rtc").Str("producer", producerID).Msg("published track ended")
		_ = p.Close()
	}
}

func (r *Router) sinkDropped(_, consumerID string) {
	if c, ok := r.consumer(consumerID); ok {
		_ = c.Close()
	}
}

// pickCodec returns the first router codec of kind the remote side supports.
func pickCodec(codecs []core.CodecCapability, kind domain.TrackKind, caps core.Capabilities) (core.CodecCapability, bool) {
	for _, c := range codecs {
		if c.Kind == kind && caps.Supports(c) {
			return c, true
		}
	}
	return core.CodecCapability{}, false
}
