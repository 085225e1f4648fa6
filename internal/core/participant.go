package core

import (
	"github.com/dkeye/Stage/internal/domain"
)

// publishedTrack is a track in the room's published list with the SSRCs it holds.
type publishedTrack struct {
	owner       SessionID
	track       Track
	appointment domain.Appointment
	ssrcs       []uint32
	unobserve   func()
}

// subscription is a track a participant receives from a published source.
type subscription struct {
	track     Track
	sourceID  string
	unobserve func()
}

// Participant is one connection's state inside a room.
// Fields are guarded by the owning room's lock.
type Participant struct {
	sid          SessionID
	signal       SignalConnection
	role         domain.Role
	name         string
	userID       domain.UserID
	capabilities Capabilities

	transport  Transport
	owned      []*publishedTrack
	subscribed []*subscription
	// sources already subscribed to; kept in step with subscribed.
	sources map[string]struct{}
}

func newParticipant(sid SessionID, sig SignalConnection) *Participant {
	return &Participant{
		sid:     sid,
		signal:  sig,
		sources: make(map[string]struct{}),
	}
}

// Detached reports whether the participant's connection is gone.
func (p *Participant) Detached() bool { return p.signal == nil }

func (p *Participant) ownedTrack(id string) (*publishedTrack, int) {
	for i, pt := range p.owned {
		if pt.track.ID() == id {
			return pt, i
		}
	}
	return nil, -1
}

func (p *Participant) dropOwned(id string) {
	if _, i := p.ownedTrack(id); i >= 0 {
		p.owned = append(p.owned[:i], p.owned[i+1:]...)
	}
}

func (p *Participant) subscriptionFor(sourceID string) (*subscription, int) {
	for i, s := range p.subscribed {
		if s.sourceID == sourceID {
			return s, i
		}
	}
	return nil, -1
}

// dropSubscription forgets the subscription to sourceID and returns it.
func (p *Participant) dropSubscription(sourceID string) *subscription {
	s, i := p.subscriptionFor(sourceID)
	if i < 0 {
		return nil
	}
	p.subscribed = append(p.subscribed[:i], p.subscribed[i+1:]...)
	delete(p.sources, sourceID)
	return s
}

// ParticipantDTO is a read-only view for APIs (no transport fields).
type ParticipantDTO struct {
	SID       SessionID     `json:"sid"`
	UserID    domain.UserID `json:"userId,omitempty"`
	Name      string        `json:"name"`
	Role      domain.Role   `json:"role"`
	Connected bool          `json:"connected"`
	Tracks    int           `json:"tracks"`
	Receiving int           `json:"receiving"`
}

func (p *Participant) snapshot() ParticipantDTO {
	return ParticipantDTO{
		SID:       p.sid,
		UserID:    p.userID,
		Name:      p.name,
		Role:      p.role,
		Connected: !p.Detached(),
		Tracks:    len(p.owned),
		Receiving: len(p.subscribed),
	}
}
