// Package optimistic applies local mutations to the caller-visible state
// before the remote store confirms them, and rolls them back when it
// refuses.
//
// Every document with outstanding updates has a log: the last confirmed
// record (the base) followed by its updates in submission order. The
// visible record is always re-derived from the whole log, skipping failed
// updates, so commits and failures may arrive in any order without one
// update clobbering another's effect. Committed updates at the head of the
// log fold into the base; a log with no entries left is dropped.
//
// Status transitions are enforced: Commit and Fail require a pending
// update, Retry requires a failed one.
package optimistic

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/tillsync/internal/apperr"
	"github.com/tonimelisma/tillsync/internal/record"
)

var (
	// ErrUnknownUpdate is returned for an update id the queue does not hold.
	ErrUnknownUpdate = errors.New("optimistic: unknown update")
	// ErrNotPending is returned when an update has already been resolved.
	ErrNotPending = errors.New("optimistic: update is not pending")
	// ErrNotFailed is returned by Retry for an update that has not failed.
	ErrNotFailed = errors.New("optimistic: update has not failed")
)

// View is the caller-visible state the queue writes derived records into.
type View interface {
	// Current returns the visible record, or nil when it does not exist.
	Current(ctx context.Context, collection, id string) (*record.Record, error)
	// Apply makes rec the visible record. A nil rec removes it.
	Apply(ctx context.Context, collection, id string, rec *record.Record) error
}

// Replayer sends an update to the remote store and returns the confirmed
// record (nil for deletes).
type Replayer interface {
	Replay(ctx context.Context, u *Update) (*record.Record, error)
}

type docKey struct {
	collection string
	id         string
}

type entry struct {
	seq       uint64
	update    *Update
	confirmed *record.Record
}

type docLog struct {
	base    *record.Record
	entries []*entry
}

// Queue tracks pending and failed updates. Safe for concurrent use.
type Queue struct {
	view    View
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for testing

	mu      sync.Mutex
	docs    map[docKey]*docLog
	byID    map[string]*entry
	nextSeq uint64
}

// NewQueue creates an empty queue writing into view.
func NewQueue(view View, logger *slog.Logger) *Queue {
	return &Queue{
		view:    view,
		logger:  logger,
		nowFunc: time.Now,
		docs:    make(map[docKey]*docLog),
		byID:    make(map[string]*entry),
	}
}

// Submit records u as pending and applies it to the visible state. ID and
// Timestamp are assigned when empty. Returns the visible record after the
// update (nil after a delete).
func (q *Queue) Submit(ctx context.Context, u *Update) (*record.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	u = u.clone()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}

	if _, dup := q.byID[u.ID]; dup {
		return nil, fmt.Errorf("optimistic: update %s already submitted", u.ID)
	}

	if u.Timestamp.IsZero() {
		u.Timestamp = q.nowFunc()
	}

	key := docKey{u.Collection, u.DocumentID}

	log, ok := q.docs[key]
	if !ok {
		cur, err := q.view.Current(ctx, u.Collection, u.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("optimistic: reading %s/%s: %w", u.Collection, u.DocumentID, err)
		}

		log = &docLog{base: cur.Clone()}
	}

	u.Original = log.derive()
	u.Status = StatusPending

	q.nextSeq++
	e := &entry{seq: q.nextSeq, update: u}

	log.entries = append(log.entries, e)
	q.docs[key] = log
	q.byID[u.ID] = e

	visible, err := q.publish(ctx, key, log)
	if err != nil {
		// The visible state never saw the update; forget it.
		log.entries = log.entries[:len(log.entries)-1]
		delete(q.byID, u.ID)

		if len(log.entries) == 0 {
			delete(q.docs, key)
		}

		return nil, err
	}

	q.logger.Debug("optimistic update submitted",
		slog.String("update", u.ID),
		slog.String("collection", u.Collection),
		slog.String("document", u.DocumentID),
		slog.String("op", u.Operation.String()),
	)

	return visible, nil
}

// Commit marks a pending update confirmed. confirmed is the record the
// remote store returned and supplies the server-assigned metadata.
func (q *Queue) Commit(ctx context.Context, id string, confirmed *record.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.pendingEntry(id)
	if err != nil {
		return err
	}

	e.update.Status = StatusCommitted
	e.confirmed = confirmed.Clone()

	key := docKey{e.update.Collection, e.update.DocumentID}
	log := q.docs[key]

	q.compact(key, log)

	if _, err := q.publish(ctx, key, log); err != nil {
		return err
	}

	q.logger.Debug("optimistic update committed", slog.String("update", id))

	return nil
}

// Fail marks a pending update failed and rolls its effect out of the
// visible state. The update is kept for Retry.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.pendingEntry(id)
	if err != nil {
		return err
	}

	e.update.Status = StatusFailed
	e.update.Attempts++

	if cause != nil {
		e.update.LastError = cause.Error()
		e.update.ErrorCode = apperr.Code(cause)
		e.update.CanRetry = apperr.Retryable(cause)
	}

	key := docKey{e.update.Collection, e.update.DocumentID}

	if _, err := q.publish(ctx, key, q.docs[key]); err != nil {
		return err
	}

	q.logger.Warn("optimistic update rolled back",
		slog.String("update", id),
		slog.String("collection", e.update.Collection),
		slog.String("document", e.update.DocumentID),
		slog.String("error", e.update.LastError),
	)

	return nil
}

// Retry moves a failed update back to pending, reapplies it, and replays
// it through r. The outcome is recorded with Commit or Fail; the replay
// error is returned.
func (q *Queue) Retry(ctx context.Context, id string, r Replayer) error {
	u, err := q.reopen(ctx, id)
	if err != nil {
		return err
	}

	confirmed, replayErr := r.Replay(ctx, u)
	if replayErr != nil {
		if err := q.Fail(ctx, id, replayErr); err != nil {
			return errors.Join(replayErr, err)
		}

		return replayErr
	}

	return q.Commit(ctx, id, confirmed)
}

func (q *Queue) reopen(ctx context.Context, id string) (*Update, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpdate, id)
	}

	if e.update.Status != StatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFailed, id, e.update.Status)
	}

	e.update.Status = StatusPending
	key := docKey{e.update.Collection, e.update.DocumentID}

	if _, err := q.publish(ctx, key, q.docs[key]); err != nil {
		e.update.Status = StatusFailed
		return nil, err
	}

	return e.update.clone(), nil
}

// ClearFailed discards every failed update without retrying it and returns
// how many were dropped.
func (q *Queue) ClearFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		dropped int
		errs    []error
	)

	for key, log := range q.docs {
		kept := log.entries[:0]

		for _, e := range log.entries {
			if e.update.Status == StatusFailed {
				delete(q.byID, e.update.ID)
				dropped++

				continue
			}

			kept = append(kept, e)
		}

		if len(kept) == len(log.entries) {
			continue
		}

		log.entries = kept
		q.compact(key, log)

		if _, err := q.publish(ctx, key, log); err != nil {
			errs = append(errs, err)
		}
	}

	if dropped > 0 {
		q.logger.Info("cleared failed updates", slog.Int("count", dropped))
	}

	return dropped, errors.Join(errs...)
}

// Rebase replaces the confirmed base of a document with outstanding
// updates, for example when a remote snapshot delivers a newer server
// copy. It returns the visible record re-derived on top of the new base
// and true, or false when the document has no outstanding updates. The
// visible state is not written.
func (q *Queue) Rebase(collection, id string, confirmed *record.Record) (*record.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	log, ok := q.docs[docKey{collection, id}]
	if !ok {
		return nil, false
	}

	log.base = confirmed.Clone()

	return log.derive(), true
}

// HasOutstanding reports whether the document has pending or failed updates.
func (q *Queue) HasOutstanding(collection, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.docs[docKey{collection, id}]

	return ok
}

// HasPending reports whether the document has an update still awaiting
// replay. A log holding only failed updates has none.
func (q *Queue) HasPending(collection, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	log, ok := q.docs[docKey{collection, id}]
	if !ok {
		return false
	}

	for _, e := range log.entries {
		if e.update.Status == StatusPending {
			return true
		}
	}

	return false
}

// Get returns a copy of the update.
func (q *Queue) Get(id string) (*Update, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return nil, false
	}

	return e.update.clone(), true
}

// Pending returns copies of every pending update in submission order.
func (q *Queue) Pending() []*Update {
	return q.withStatus(StatusPending)
}

// Failed returns copies of every failed update in submission order.
func (q *Queue) Failed() []*Update {
	return q.withStatus(StatusFailed)
}

// PendingByDocument groups pending updates per document. Each group is in
// submission order; groups are ordered by their first update.
func (q *Queue) PendingByDocument() [][]*Update {
	pending := q.Pending()

	index := make(map[docKey]int)

	var groups [][]*Update

	for _, u := range pending {
		key := docKey{u.Collection, u.DocumentID}

		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}

		groups[i] = append(groups[i], u)
	}

	return groups
}

func (q *Queue) withStatus(status Status) []*Update {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]*entry, 0, len(q.byID))
	for _, e := range q.byID {
		if e.update.Status == status {
			entries = append(entries, e)
		}
	}

	slices.SortFunc(entries, func(a, b *entry) int { return cmp.Compare(a.seq, b.seq) })

	out := make([]*Update, len(entries))
	for i, e := range entries {
		out[i] = e.update.clone()
	}

	return out
}

func (q *Queue) pendingEntry(id string) (*entry, error) {
	e, ok := q.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpdate, id)
	}

	if e.update.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, e.update.Status)
	}

	return e, nil
}

// compact folds committed updates at the head of the log into the base and
// drops the log once it is empty. Caller holds q.mu.
func (q *Queue) compact(key docKey, log *docLog) {
	n := 0

	for _, e := range log.entries {
		if e.update.Status != StatusCommitted {
			break
		}

		log.base = fold(log.base, e)
		delete(q.byID, e.update.ID)
		n++
	}

	log.entries = log.entries[n:]

	if len(log.entries) == 0 {
		delete(q.docs, key)
	}
}

// publish writes the derived record into the view. Caller holds q.mu so
// writes for one document reach the view in order.
func (q *Queue) publish(ctx context.Context, key docKey, log *docLog) (*record.Record, error) {
	visible := log.derive()

	if err := q.view.Apply(ctx, key.collection, key.id, visible); err != nil {
		return nil, fmt.Errorf("optimistic: applying %s/%s: %w", key.collection, key.id, err)
	}

	return visible, nil
}

// derive replays every non-failed entry on top of the base.
func (l *docLog) derive() *record.Record {
	cur := l.base.Clone()
	outstanding := false

	for _, e := range l.entries {
		if e.update.Status == StatusFailed {
			continue
		}

		cur = e.update.apply(cur)
		outstanding = true
	}

	if cur != nil && outstanding {
		cur.IsSynced = false
	}

	return cur
}

// fold applies a committed entry to the base, taking server metadata from
// the confirmed record when one was returned.
func fold(base *record.Record, e *entry) *record.Record {
	next := e.update.apply(base)
	if next == nil {
		return nil
	}

	if c := e.confirmed; c != nil {
		if c.RemoteID != "" {
			next.RemoteID = c.RemoteID
		}

		if !c.CreatedAt.IsZero() {
			next.CreatedAt = c.CreatedAt
		}

		if !c.UpdatedAt.IsZero() {
			next.UpdatedAt = c.UpdatedAt
		}
	}

	next.IsSynced = true

	return next
}
