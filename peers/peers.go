// Package peers provides support code for managing and testing groups of
// participants.
package peers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/creachadair/rtps"
	"github.com/creachadair/rtps/channel"
	"github.com/creachadair/taskgroup"
)

// Local is a group of participants in one domain that communicate over a
// shared in-memory hub, suitable for testing.
type Local struct {
	Hub      *channel.Hub
	Registry *rtps.Registry

	μ     sync.Mutex
	parts []*rtps.Participant
}

// NewLocal creates a group of n started participants on a new hub, each
// using a copy of opts. If opts == nil, default options are used, with
// announcements every 50ms.
func NewLocal(n int, opts *rtps.ParticipantOptions) *Local {
	l := &Local{
		Hub:      channel.NewHub(nil),
		Registry: rtps.NewRegistry(0),
	}
	for range n {
		l.Add(opts)
	}
	return l
}

// Add creates and starts a new participant joined to the hub of l.
func (l *Local) Add(opts *rtps.ParticipantOptions) *rtps.Participant {
	var o rtps.ParticipantOptions
	if opts != nil {
		o = *opts
	} else {
		o.AnnouncePeriod = 50 * time.Millisecond
	}
	p := l.Registry.Create(o).Start(l.Hub.Join())
	l.μ.Lock()
	defer l.μ.Unlock()
	l.parts = append(l.parts, p)
	return p
}

// Participants returns the participants of l, in the order they were added.
func (l *Local) Participants() []*rtps.Participant {
	l.μ.Lock()
	defer l.μ.Unlock()
	return append([]*rtps.Participant(nil), l.parts...)
}

// At returns the ith participant of l.
func (l *Local) At(i int) *rtps.Participant { return l.Participants()[i] }

// WaitDiscovered blocks until every running participant of l has discovered
// every other, or until ctx ends.
func (l *Local) WaitDiscovered(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		running := l.Registry.Participants()
		done := true
		for _, p := range running {
			if len(p.RemoteParticipants()) < len(running)-1 {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Stop shuts down all the participants of l and blocks until they have
// exited. It reports the errors of any that failed.
func (l *Local) Stop() error {
	var errs []error
	for _, p := range l.Participants() {
		errs = append(errs, p.Stop())
	}
	return errors.Join(errs...)
}

// Serve starts p on tr and runs it until ctx ends or the transport closes.
// When ctx ends, p is stopped. Serve reports the status of p.
func Serve(ctx context.Context, p *rtps.Participant, tr rtps.Transport) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.Start(tr)
	stop := taskgroup.Go(func() error {
		<-sctx.Done()
		return p.Stop()
	})
	err := p.Wait()
	cancel()
	stop.Wait()
	return err
}
