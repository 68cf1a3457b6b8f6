package bridge

import (
	"sync"
	"time"

	"github.com/testweaver/bridge/wire"
)

// callResult is the outcome delivered to a waiting caller. Exactly one of
// env/err is meaningful.
type callResult struct {
	env wire.Envelope
	err error
}

type pendingEntry struct {
	ch    chan callResult
	timer *time.Timer
}

// pendingTable maps correlation id to an outstanding call with a deadline.
// Only the first resolution for an id counts; the entry is removed under the
// lock, so a late reply racing the timeout is discarded.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: map[string]*pendingEntry{}}
}

// add inserts an entry with the given deadline and returns the channel the
// result will arrive on. When the deadline elapses first, the entry fails
// with ErrRequestTimeout.
func (p *pendingTable) add(id string, deadline time.Duration) <-chan callResult {
	e := &pendingEntry{ch: make(chan callResult, 1)}
	e.timer = time.AfterFunc(deadline, func() {
		p.fail(id, ErrRequestTimeout)
	})
	p.mu.Lock()
	p.entries[id] = e
	p.mu.Unlock()
	return e.ch
}

func (p *pendingTable) take(id string) *pendingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[id]
	if e != nil {
		delete(p.entries, id)
		e.timer.Stop()
	}
	return e
}

// resolve fires the entry for id with a reply envelope. A reply carrying an
// error field rejects the call instead. Returns false when no entry exists
// (already resolved, timed out, or never issued here).
func (p *pendingTable) resolve(id string, env wire.Envelope) bool {
	e := p.take(id)
	if e == nil {
		return false
	}
	if err := errorFromEnvelope(env); err != nil {
		e.ch <- callResult{err: err}
	} else {
		e.ch <- callResult{env: env}
	}
	return true
}

// fail fires the entry for id with err.
func (p *pendingTable) fail(id string, err error) bool {
	e := p.take(id)
	if e == nil {
		return false
	}
	e.ch <- callResult{err: err}
	return true
}

// failAll fires every outstanding entry with err. Used on teardown so
// pending calls fail immediately instead of waiting out their deadlines.
func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	entries := p.entries
	p.entries = map[string]*pendingEntry{}
	p.mu.Unlock()
	for _, e := range entries {
		e.timer.Stop()
		e.ch <- callResult{err: err}
	}
}

func (p *pendingTable) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
