package identity

import (
	"context"
	"sync"
	"time"

	"github.com/brewblox/sparkgw/internal/clog"
	"github.com/brewblox/sparkgw/internal/gwerr"
)

// Document is the persisted shape of the identity store: a flat list of
// (keys, data) records, matching the upstream datastore's
// `{keys: [sid, nid], data: {}}` document.
type Document struct {
	Entries []Entry
}

// Persister is the external collaborator contract for loading and saving
// the identity store's document (the out-of-scope datastore service).
type Persister interface {
	Read(ctx context.Context, docID string) (Document, error)
	Write(ctx context.Context, docID string, doc Document) error
}

const (
	// DefaultFlushDelay is the quiet period before a coalesced flush.
	DefaultFlushDelay = 5 * time.Second
	// DefaultShutdownFlushTimeout bounds the final synchronous flush.
	DefaultShutdownFlushTimeout = 2 * time.Second
	// DefaultReadyTimeout bounds how long writers wait for Load to finish.
	DefaultReadyTimeout = 60 * time.Second
)

// PersistentStore wraps a Store with load/flush lifecycle against a
// Persister: an owned background task coalesces dirty notifications and
// flushes after a quiet period; writes issued before the initial Load
// completes wait on a "ready" signal with a bounded timeout.
type PersistentStore struct {
	*Store

	docID    string
	persist  Persister
	defaults []Entry
	log      clog.Clog

	flushDelay     time.Duration
	shutdownFlush  time.Duration
	readyTimeout   time.Duration

	mu      sync.Mutex
	ready   chan struct{}
	readyOk bool

	dirtyCh chan struct{}
	done    chan struct{}
}

// NewPersistentStore returns a PersistentStore for the given datastore
// document ID. defaults are the well-known system entries re-seeded on
// every Load if absent (I6).
func NewPersistentStore(docID string, persist Persister, defaults []Entry) *PersistentStore {
	ps := &PersistentStore{
		Store:         New(),
		docID:         docID,
		persist:       persist,
		defaults:      defaults,
		log:           clog.NewLogger("identity"),
		flushDelay:    DefaultFlushDelay,
		shutdownFlush: DefaultShutdownFlushTimeout,
		readyTimeout:  DefaultReadyTimeout,
		ready:         make(chan struct{}),
		dirtyCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	ps.Store.OnDirty(ps.markDirty)
	return ps
}

func (ps *PersistentStore) markDirty() {
	select {
	case ps.dirtyCh <- struct{}{}:
	default:
	}
}

// waitReady blocks until Load has completed once, or the ready timeout
// elapses.
func (ps *PersistentStore) waitReady(ctx context.Context) error {
	select {
	case <-ps.ready:
		return nil
	case <-ctx.Done():
		return gwerr.New(gwerr.KindCancelled, ctx.Err())
	case <-time.After(ps.readyTimeout):
		return gwerr.Newf(gwerr.KindTimeout, "identity: store not ready after %s", ps.readyTimeout)
	}
}

// Load reads the persisted document, replaces the store's contents,
// merges in any missing default entries, and signals readiness.
func (ps *PersistentStore) Load(ctx context.Context) error {
	doc, err := ps.persist.Read(ctx, ps.docID)
	if err != nil {
		return err
	}

	ps.Store.replaceAll(doc.Entries)

	for _, d := range ps.defaults {
		sid, nid := d.SID, d.NID
		if _, err := ps.Store.Get(&sid, &nid); err != nil {
			_ = ps.Store.Set(d.SID, d.NID, d.Data) // best effort; I6 re-seed
		}
	}

	ps.mu.Lock()
	if !ps.readyOk {
		ps.readyOk = true
		close(ps.ready)
	}
	ps.mu.Unlock()
	return nil
}

// Set overrides Store.Set to wait for readiness before writing.
func (ps *PersistentStore) Set(ctx context.Context, sid string, nid uint16, data map[string]interface{}) error {
	if err := ps.waitReady(ctx); err != nil {
		return err
	}
	return ps.Store.Set(sid, nid, data)
}

// Delete overrides Store.Delete to wait for readiness before writing, for
// the same reason as Set: a delete issued before the initial Load
// completes must not race the load's replaceAll.
func (ps *PersistentStore) Delete(ctx context.Context, sid *string, nid *uint16) error {
	if err := ps.waitReady(ctx); err != nil {
		return err
	}
	return ps.Store.Delete(sid, nid)
}

// Rename overrides Store.Rename to wait for readiness before writing,
// for the same reason as Set.
func (ps *PersistentStore) Rename(ctx context.Context, oldSID *string, oldNID *uint16, newSID *string, newNID *uint16) error {
	if err := ps.waitReady(ctx); err != nil {
		return err
	}
	return ps.Store.Rename(oldSID, oldNID, newSID, newNID)
}

// Run drives the coalescing background flusher until ctx is cancelled,
// then performs one final synchronous flush bounded by shutdownFlush
// (shielded from ctx cancellation, per spec.md §5).
func (ps *PersistentStore) Run(ctx context.Context) {
	defer close(ps.done)
	for {
		select {
		case <-ps.dirtyCh:
			select {
			case <-time.After(ps.flushDelay):
				ps.flush(ctx)
			case <-ctx.Done():
				ps.finalFlush()
				return
			}
		case <-ctx.Done():
			ps.finalFlush()
			return
		}
	}
}

func (ps *PersistentStore) flush(ctx context.Context) {
	doc := Document{Entries: ps.Store.All()}
	if err := ps.persist.Write(ctx, ps.docID, doc); err != nil {
		ps.log.Warn("flush failed: %v", err)
	}
}

// finalFlush is shielded from the caller's cancellation: it runs with its
// own bounded timeout so a fast shutdown still persists the latest state.
func (ps *PersistentStore) finalFlush() {
	shieldCtx, cancel := context.WithTimeout(context.Background(), ps.shutdownFlush)
	defer cancel()
	doc := Document{Entries: ps.Store.All()}
	if err := ps.persist.Write(shieldCtx, ps.docID, doc); err != nil {
		ps.log.Warn("final flush failed: %v", err)
	}
}

// Wait blocks until Run has returned (the final flush is complete).
func (ps *PersistentStore) Wait() {
	<-ps.done
}
