package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-dm/internal/models"
	"github.com/pelusa-v/pelusa-dm/internal/store"
)

type emitted struct {
	event   string
	payload any
	to      []string
}

type recorder struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recorder) Emit(event string, payload any, to ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{event: event, payload: payload, to: to})
	return nil
}

func (r *recorder) snapshot() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.events...)
}

type brokenStore struct {
	*store.Store
}

func (brokenStore) SaveMessage(context.Context, models.Message) error {
	return store.ErrStorageUnavailable
}

type stubUploader struct{ ref string }

func (u stubUploader) Upload(context.Context, string) (string, error) { return u.ref, nil }

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("chat", store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSendToOfflineReceiverIsStored(t *testing.T) {
	h := startHub(t, false, nil)
	st := openStore(t)
	svc := NewService(st, h, nil, ServiceConfig{})
	ctx := context.Background()

	a := connect(t, h, "alice")
	done := make(chan models.Message, 1)
	go func() {
		m, err := svc.Send(ctx, "alice", "bob", SendInput{Text: "hi"})
		assert.NoError(t, err)
		done <- m
	}()
	var sent models.Message
	select {
	case sent = <-done:
	case <-time.After(waitFor):
		t.Fatal("send blocked on offline receiver")
	}
	recv(t, a, models.EventNewMessage)

	connect(t, h, "bob")
	history, err := svc.History(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, sent.ID, history[0].ID)
	assert.Equal(t, "hi", history[0].Text)
}

func TestSendPushesOnceToEachParty(t *testing.T) {
	h := startHub(t, false, nil)
	svc := NewService(openStore(t), h, nil, ServiceConfig{})
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")

	sent, err := svc.Send(context.Background(), "alice", "bob", SendInput{Text: "yo"})
	require.NoError(t, err)

	for _, c := range []*Client{a, b} {
		var got models.Message
		require.NoError(t, json.Unmarshal(recv(t, c, models.EventNewMessage).Data, &got))
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, "yo", got.Text)
		expectNone(t, c, models.EventNewMessage)
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	rec := &recorder{}
	st := openStore(t)
	svc := NewService(st, rec, nil, ServiceConfig{})
	ctx := context.Background()

	for _, in := range []SendInput{{}, {Text: "   "}} {
		_, err := svc.Send(ctx, "alice", "bob", in)
		assert.ErrorIs(t, err, ErrEmptyMessage)
	}
	assert.Empty(t, rec.snapshot())
	history, err := svc.History(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSendRejectsInvalidIDs(t *testing.T) {
	svc := NewService(openStore(t), &recorder{}, nil, ServiceConfig{})
	_, err := svc.Send(context.Background(), "alice", "bob/../x", SendInput{Text: "x"})
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = svc.History(context.Background(), "", "bob")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestSendWithImageUsesUploadedReference(t *testing.T) {
	svc := NewService(openStore(t), &recorder{}, stubUploader{ref: "/media/abc.png"}, ServiceConfig{})
	m, err := svc.Send(context.Background(), "alice", "bob", SendInput{Image: "data:image/png;base64,AAAA"})
	require.NoError(t, err)
	assert.Equal(t, "/media/abc.png", m.Image)
	assert.Empty(t, m.Text)
}

func TestSendImageWithoutUploader(t *testing.T) {
	svc := NewService(openStore(t), &recorder{}, nil, ServiceConfig{})
	_, err := svc.Send(context.Background(), "alice", "bob", SendInput{Image: "data:image/png;base64,AAAA"})
	assert.Error(t, err)
}

func TestSendPersistFailureIsRetracted(t *testing.T) {
	rec := &recorder{}
	svc := NewService(brokenStore{openStore(t)}, rec, nil, ServiceConfig{})

	_, err := svc.Send(context.Background(), "alice", "bob", SendInput{Text: "lost"})
	require.ErrorIs(t, err, store.ErrStorageUnavailable)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, waitFor, 5*time.Millisecond)
	events := rec.snapshot()
	assert.Equal(t, models.EventNewMessage, events[0].event)
	assert.Equal(t, models.EventMessageDeleted, events[1].event)
	pushed := events[0].payload.(models.Message)
	retracted := events[1].payload.(models.MessageDeleted)
	assert.Equal(t, pushed.ID, retracted.MessageID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, events[1].to)
}

func TestDeleteOnlyBySender(t *testing.T) {
	rec := &recorder{}
	svc := NewService(openStore(t), rec, nil, ServiceConfig{})
	ctx := context.Background()

	m, err := svc.Send(ctx, "alice", "bob", SendInput{Text: "oops"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, waitFor, 5*time.Millisecond)

	assert.ErrorIs(t, svc.Delete(ctx, "bob", m.ID), ErrPermissionDenied)
	assert.Len(t, rec.snapshot(), 1)
	history, err := svc.History(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	require.NoError(t, svc.Delete(ctx, "alice", m.ID))
	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventMessageDeleted, events[1].event)
	assert.Equal(t, models.MessageDeleted{MessageID: m.ID, SenderID: "alice", ReceiverID: "bob"}, events[1].payload)
	assert.ElementsMatch(t, []string{"alice", "bob"}, events[1].to)

	history, err = svc.History(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, history)

	assert.ErrorIs(t, svc.Delete(ctx, "alice", m.ID), store.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, "alice", "missing"), store.ErrNotFound)
}

func TestDeleteEventReachesConnectedParties(t *testing.T) {
	h := startHub(t, false, nil)
	svc := NewService(openStore(t), h, nil, ServiceConfig{})
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")
	ctx := context.Background()

	m, err := svc.Send(ctx, "alice", "bob", SendInput{Text: "gone soon"})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "alice", m.ID))

	for _, c := range []*Client{a, b} {
		var evt models.MessageDeleted
		require.NoError(t, json.Unmarshal(recv(t, c, models.EventMessageDeleted).Data, &evt))
		assert.Equal(t, m.ID, evt.MessageID)
		expectNone(t, c, models.EventMessageDeleted)
	}
}

func TestClearRemovesOnlyOwnMessages(t *testing.T) {
	rec := &recorder{}
	svc := NewService(openStore(t), rec, nil, ServiceConfig{})
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		_, err := svc.Send(ctx, "alice", "bob", SendInput{Text: text})
		require.NoError(t, err)
	}
	reply, err := svc.Send(ctx, "bob", "alice", SendInput{Text: "three"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, waitFor, 5*time.Millisecond)

	n, err := svc.Clear(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	events := rec.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, models.MessagesCleared{SenderID: "alice", ReceiverID: "bob", DeletedCount: 2}, events[3].payload)

	history, err := svc.History(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, reply.ID, history[0].ID)

	n, err = svc.Clear(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, rec.snapshot(), 4)
}

func TestSinceIsExclusiveAndAscending(t *testing.T) {
	svc := NewService(openStore(t), &recorder{}, nil, ServiceConfig{})
	ctx := context.Background()

	var sent []models.Message
	for _, text := range []string{"a", "b", "c"} {
		m, err := svc.Send(ctx, "alice", "bob", SendInput{Text: text})
		require.NoError(t, err)
		sent = append(sent, m)
	}

	got, err := svc.Since(ctx, "bob", "alice", sent[0].CreatedAt)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, sent[1].ID, got[0].ID)
	assert.Equal(t, sent[2].ID, got[1].ID)

	got, err = svc.Since(ctx, "bob", "alice", sent[2].CreatedAt)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestThreadsTrackSends(t *testing.T) {
	svc := NewService(openStore(t), &recorder{}, nil, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.Send(ctx, "alice", "bob", SendInput{Text: "hey"})
	require.NoError(t, err)

	threads := svc.Threads("bob")
	require.Len(t, threads, 1)
	assert.Equal(t, "alice", threads[0].PeerID)
	assert.Equal(t, 1, threads[0].Unread)

	require.NoError(t, svc.MarkRead("bob", "alice"))
	assert.Zero(t, svc.Threads("bob")[0].Unread)
	assert.Zero(t, svc.Threads("alice")[0].Unread)

	assert.ErrorIs(t, svc.MarkRead("bob", "al:ice"), ErrInvalidID)
}

func TestTimedOutSendIsNotStored(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir, store.Options{QueryTimeout: time.Nanosecond})
	require.NoError(t, err)
	rec := &recorder{}
	svc := NewService(st, rec, nil, ServiceConfig{})

	_, sendErr := svc.Send(context.Background(), "alice", "bob", SendInput{Text: "hi"})
	require.NoError(t, st.Close())

	st, err = store.Open(dir, store.Options{})
	require.NoError(t, err)
	defer st.Close()
	history, err := st.FindMessagesBetween(context.Background(), "alice", "bob", nil, 0)
	require.NoError(t, err)

	if sendErr == nil {
		assert.Len(t, history, 1)
		return
	}
	assert.ErrorIs(t, sendErr, store.ErrStorageUnavailable)
	assert.Empty(t, history)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, models.EventMessageDeleted, rec.snapshot()[1].event)
}
