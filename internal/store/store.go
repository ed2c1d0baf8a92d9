package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"

	"github.com/pelusa-v/pelusa-dm/internal/logger"
	"github.com/pelusa-v/pelusa-dm/internal/metrics"
	"github.com/pelusa-v/pelusa-dm/internal/models"
)

var (
	// ErrStorageUnavailable means the store timed out or is closed. Callers should retry shortly.
	ErrStorageUnavailable = errors.New("storage unavailable, retry shortly")
	ErrNotFound           = errors.New("not found")
)

const defaultQueryTimeout = 5 * time.Second

var epoch = time.Unix(0, 0)

// Options tunes Open.
type Options struct {
	QueryTimeout time.Duration
	// InMemory backs the store with pebble's in-memory filesystem.
	InMemory bool
	// Now overrides the clock used for createdAt and deletedAt.
	Now func() time.Time
}

// Store is the durable message and user store on top of pebble.
type Store struct {
	db      *pebble.DB
	timeout time.Duration
	now     func() time.Time

	closeMu  sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	tsMu   sync.Mutex
	lastTS int64

	// serializes read-modify-write deletes
	writeMu sync.Mutex
}

// Open opens or creates the pebble database at path.
func Open(path string, opts Options) (*Store, error) {
	popts := &pebble.Options{}
	if opts.InMemory {
		popts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, popts)
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	s := &Store{db: db, timeout: opts.QueryTimeout, now: opts.Now}
	if s.timeout <= 0 {
		s.timeout = defaultQueryTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Close waits for in-flight operations, then closes the database. Later calls
// return ErrStorageUnavailable.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()
	s.inflight.Wait()
	return s.db.Close()
}

// enter reserves an in-flight slot; false once the store is closed.
func (s *Store) enter() bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	return true
}

// do runs fn bounded by the query timeout. fn keeps running in the background
// after a timeout, but the caller is released with ErrStorageUnavailable.
func (s *Store) do(ctx context.Context, op string, fn func() error) error {
	if !s.enter() {
		return fmt.Errorf("%s: %w", op, ErrStorageUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer s.inflight.Done()
		done <- fn()
	}()

	select {
	case err := <-done:
		metrics.StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if errors.Is(err, pebble.ErrClosed) {
			return fmt.Errorf("%s: %w", op, ErrStorageUnavailable)
		}
		return err
	case <-ctx.Done():
		metrics.StoreTimeouts.WithLabelValues(op).Inc()
		logger.Warn("store_timeout", "op", op, "error", ctx.Err())
		return fmt.Errorf("%s: %w", op, ErrStorageUnavailable)
	}
}

func (s *Store) nextTime() time.Time {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()
	ts := s.now().UnixNano()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return time.Unix(0, ts).UTC()
}

// NewMessage assigns the id and creation time of a message without writing it.
// createdAt is strictly increasing within the process.
func (s *Store) NewMessage(senderID, receiverID, text, image string) models.Message {
	return models.Message{
		ID:         uuid.Must(uuid.NewV7()).String(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		Image:      image,
		CreatedAt:  s.nextTime(),
	}
}

// SaveMessage writes a message allocated by NewMessage together with its
// conversation index entry. A failed save leaves no live record: when the
// caller is released by the timeout and the commit lands afterwards, the
// message is soft-deleted again.
func (s *Store) SaveMessage(ctx context.Context, m models.Message) error {
	if err := ValidateID(m.SenderID); err != nil {
		return err
	}
	if err := ValidateID(m.ReceiverID); err != nil {
		return err
	}
	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	var (
		mu        sync.Mutex
		abandoned bool
		committed bool
	)
	err = s.do(ctx, "save_message", func() error {
		if err := s.commitMessage(m, val); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		committed = true
		if abandoned {
			s.retract(m)
		}
		return nil
	})
	if errors.Is(err, ErrStorageUnavailable) {
		mu.Lock()
		abandoned = true
		late := committed
		mu.Unlock()
		// committed between the timeout and the select
		if late && s.enter() {
			s.retract(m)
			s.inflight.Done()
		}
	}
	return err
}

func (s *Store) commitMessage(m models.Message, val []byte) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(messageKey(m.ID), val, nil); err != nil {
		return err
	}
	idx := conversationKey(m.SenderID, m.ReceiverID, m.CreatedAt.UnixNano(), m.ID)
	if err := b.Set(idx, []byte(m.ID), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// retract soft-deletes a message whose save was reported as failed.
func (s *Store) retract(m models.Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cur, err := s.getMessage(m.ID)
	if err != nil || cur.Deleted {
		return
	}
	b := s.db.NewBatch()
	defer b.Close()
	err = s.softDelete(b, &cur, s.now().UTC())
	if err == nil {
		err = b.Commit(pebble.Sync)
	}
	if err != nil {
		logger.Error("late_commit_retract_failed", "message", m.ID, "error", err)
		return
	}
	metrics.StoreLateRetractions.Inc()
	logger.Warn("late_commit_retracted", "message", m.ID)
}

// CreateMessage allocates and persists a message in one step.
func (s *Store) CreateMessage(ctx context.Context, senderID, receiverID, text, image string) (models.Message, error) {
	m := s.NewMessage(senderID, receiverID, text, image)
	if err := s.SaveMessage(ctx, m); err != nil {
		return models.Message{}, err
	}
	return m, nil
}

func (s *Store) getMessage(id string) (models.Message, error) {
	v, closer, err := s.db.Get(messageKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	defer closer.Close()
	var m models.Message
	if err := json.Unmarshal(v, &m); err != nil {
		return models.Message{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	return m, nil
}

// GetMessage returns a live (not deleted) message.
func (s *Store) GetMessage(ctx context.Context, id string) (models.Message, error) {
	if err := ValidateID(id); err != nil {
		return models.Message{}, err
	}
	var m models.Message
	err := s.do(ctx, "get_message", func() error {
		var err error
		m, err = s.getMessage(id)
		if err == nil && m.Deleted {
			err = ErrNotFound
		}
		return err
	})
	return m, err
}

// FindMessagesBetween returns live messages between a and b in ascending createdAt order.
// With since == nil it returns the most recent limit messages; otherwise the first
// limit messages created strictly after since. limit <= 0 means unbounded.
func (s *Store) FindMessagesBetween(ctx context.Context, a, b string, since *time.Time, limit int) ([]models.Message, error) {
	if err := ValidateID(a); err != nil {
		return nil, err
	}
	if err := ValidateID(b); err != nil {
		return nil, err
	}
	prefix := conversationPrefix(a, b)
	var out []models.Message
	err := s.do(ctx, "find_between", func() error {
		lower := prefix
		if since != nil && since.After(epoch) {
			lower = append(append([]byte{}, prefix...), []byte(padTS(since.UnixNano()+1))...)
		}
		iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upperBound(prefix)})
		if err != nil {
			return err
		}
		defer iter.Close()

		var ids []string
		if since == nil {
			// walk backwards to take the newest, then restore ascending order
			for ok := iter.Last(); ok && (limit <= 0 || len(ids) < limit); ok = iter.Prev() {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				ids = append(ids, string(iter.Value()))
			}
			for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
				ids[i], ids[j] = ids[j], ids[i]
			}
		} else {
			for ok := iter.First(); ok && (limit <= 0 || len(ids) < limit); ok = iter.Next() {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				ids = append(ids, string(iter.Value()))
			}
		}
		if err := iter.Error(); err != nil {
			return err
		}

		out = make([]models.Message, 0, len(ids))
		for _, id := range ids {
			m, err := s.getMessage(id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !m.Deleted {
				out = append(out, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// softDelete marks m deleted in b and moves its index entry to the tombstone index.
func (s *Store) softDelete(b *pebble.Batch, m *models.Message, at time.Time) error {
	m.Deleted = true
	m.DeletedAt = &at
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := b.Set(messageKey(m.ID), val, nil); err != nil {
		return err
	}
	if err := b.Delete(conversationKey(m.SenderID, m.ReceiverID, m.CreatedAt.UnixNano(), m.ID), nil); err != nil {
		return err
	}
	return b.Set(tombstoneKey(at.UnixNano(), m.ID), []byte(m.ID), nil)
}

// DeleteMessage soft-deletes a message and returns the record as it was.
// Authorization is the caller's concern.
func (s *Store) DeleteMessage(ctx context.Context, id string) (models.Message, error) {
	if err := ValidateID(id); err != nil {
		return models.Message{}, err
	}
	var before models.Message
	err := s.do(ctx, "delete_message", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		m, err := s.getMessage(id)
		if err != nil {
			return err
		}
		if m.Deleted {
			return ErrNotFound
		}
		before = m
		b := s.db.NewBatch()
		defer b.Close()
		if err := s.softDelete(b, &m, s.now().UTC()); err != nil {
			return err
		}
		return b.Commit(pebble.Sync)
	})
	return before, err
}

// DeleteAllFrom soft-deletes every live message sent by senderID to receiverID
// and returns how many were deleted.
func (s *Store) DeleteAllFrom(ctx context.Context, senderID, receiverID string) (int, error) {
	if err := ValidateID(senderID); err != nil {
		return 0, err
	}
	if err := ValidateID(receiverID); err != nil {
		return 0, err
	}
	prefix := conversationPrefix(senderID, receiverID)
	var count int
	err := s.do(ctx, "delete_all_from", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
		if err != nil {
			return err
		}
		var ids []string
		for ok := iter.First(); ok; ok = iter.Next() {
			ids = append(ids, string(iter.Value()))
		}
		if err := iter.Error(); err != nil {
			iter.Close()
			return err
		}
		iter.Close()

		now := s.now().UTC()
		b := s.db.NewBatch()
		defer b.Close()
		n := 0
		for _, id := range ids {
			m, err := s.getMessage(id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if m.Deleted || m.SenderID != senderID {
				continue
			}
			if err := s.softDelete(b, &m, now); err != nil {
				return err
			}
			n++
		}
		if n == 0 {
			return nil
		}
		if err := b.Commit(pebble.Sync); err != nil {
			return err
		}
		count = n
		return nil
	})
	return count, err
}

// PurgeDeleted hard-deletes up to limit tombstoned messages deleted before cutoff.
func (s *Store) PurgeDeleted(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	lower := []byte(prefixTombstone)
	upper := []byte(prefixTombstone + padTS(cutoff.UnixNano()))
	var purged int
	err := s.do(ctx, "purge_deleted", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
		if err != nil {
			return err
		}
		defer iter.Close()
		b := s.db.NewBatch()
		defer b.Close()
		n := 0
		for ok := iter.First(); ok && (limit <= 0 || n < limit); ok = iter.Next() {
			key := append([]byte{}, iter.Key()...)
			_, id, err := parseIndexTail(string(bytes.TrimPrefix(key, lower)))
			if err != nil {
				logger.Warn("tombstone_key_malformed", "key", string(key), "error", err)
				continue
			}
			if err := b.Delete(messageKey(id), nil); err != nil {
				return err
			}
			if err := b.Delete(key, nil); err != nil {
				return err
			}
			n++
		}
		if err := iter.Error(); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if err := b.Commit(pebble.Sync); err != nil {
			return err
		}
		purged = n
		return nil
	})
	return purged, err
}

// TouchUser records that id was seen now, creating the directory entry on first sight.
func (s *Store) TouchUser(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	return s.do(ctx, "touch_user", func() error {
		now := s.now().UTC()
		u := models.User{ID: id, CreatedAt: now}
		v, closer, err := s.db.Get(userKey(id))
		switch {
		case err == nil:
			jerr := json.Unmarshal(v, &u)
			closer.Close()
			if jerr != nil {
				return fmt.Errorf("decode user %s: %w", id, jerr)
			}
		case !errors.Is(err, pebble.ErrNotFound):
			return err
		}
		u.LastSeen = now
		val, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return s.db.Set(userKey(id), val, pebble.NoSync)
	})
}

// ListUsers returns every known user except exclude, ordered by id.
func (s *Store) ListUsers(ctx context.Context, exclude string) ([]models.User, error) {
	prefix := []byte(prefixUser)
	var out []models.User
	err := s.do(ctx, "list_users", func() error {
		iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
		if err != nil {
			return err
		}
		defer iter.Close()
		for ok := iter.First(); ok; ok = iter.Next() {
			var u models.User
			if err := json.Unmarshal(iter.Value(), &u); err != nil {
				logger.Warn("user_record_malformed", "key", string(iter.Key()), "error", err)
				continue
			}
			if u.ID == exclude {
				continue
			}
			out = append(out, u)
		}
		return iter.Error()
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
