// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rtps

import (
	"slices"
	"sync"

	"github.com/creachadair/rtps/proto"
)

// Well-known port mapping parameters.
const (
	portBase        = 7400
	domainGain      = 250
	participantGain = 2

	offsetMetaMulticast = 0
	offsetMetaUnicast   = 10
	offsetUserMulticast = 1
	offsetUserUnicast   = 11
)

// Ports are the well-known ports of a participant in a domain.
type Ports struct {
	MetatrafficMulticast uint32
	MetatrafficUnicast   uint32
	UserMulticast        uint32
	UserUnicast          uint32
}

// A Registry tracks the participants of one domain in a process, and assigns
// each a participant ID. IDs are reused after their participants stop.
//
// The methods of a Registry are safe for concurrent use by multiple
// goroutines.
type Registry struct {
	domain uint32

	μ    sync.Mutex
	byID map[int]*Participant
}

// NewRegistry constructs an empty registry for the given domain.
func NewRegistry(domain uint32) *Registry {
	return &Registry{domain: domain, byID: make(map[int]*Participant)}
}

// Domain returns the domain ID of r.
func (r *Registry) Domain() uint32 { return r.domain }

// Create constructs a new participant in the domain with the lowest free
// participant ID. The participant does not communicate until it is started.
func (r *Registry) Create(opts ParticipantOptions) *Participant {
	r.μ.Lock()
	defer r.μ.Unlock()
	id := 0
	for r.byID[id] != nil {
		id++
	}
	p := newParticipant(r, id, opts)
	r.byID[id] = p
	return p
}

// Remove removes p from r, and reports whether it was present.
// Stopping a participant removes it automatically.
func (r *Registry) Remove(p *Participant) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.byID[p.id] != p {
		return false
	}
	delete(r.byID, p.id)
	return true
}

// Participants returns the registered participants ordered by ID.
func (r *Registry) Participants() []*Participant {
	r.μ.Lock()
	defer r.μ.Unlock()
	out := make([]*Participant, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *Participant) int { return a.id - b.id })
	return out
}

// Lookup returns the registered participant with the given GUID prefix.
func (r *Registry) Lookup(prefix proto.GUIDPrefix) (*Participant, bool) {
	r.μ.Lock()
	defer r.μ.Unlock()
	for _, p := range r.byID {
		if p.prefix == prefix {
			return p, true
		}
	}
	return nil, false
}

// Ports returns the well-known ports of the participant with the given ID in
// the domain of r.
func (r *Registry) Ports(id int) Ports {
	base := portBase + domainGain*r.domain
	pid := participantGain * uint32(id)
	return Ports{
		MetatrafficMulticast: base + offsetMetaMulticast,
		MetatrafficUnicast:   base + offsetMetaUnicast + pid,
		UserMulticast:        base + offsetUserMulticast,
		UserUnicast:          base + offsetUserUnicast + pid,
	}
}
