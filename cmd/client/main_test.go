package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-dm/internal/reconciler"
)

func TestWSURL(t *testing.T) {
	u, err := wsURL("https://dm.example/", "tok", "")
	require.NoError(t, err)
	assert.Equal(t, "wss://dm.example/api/ws?token=tok", u)

	u, err = wsURL("http://localhost:5001", "", "alice")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:5001/api/ws?userId=alice", u)
}

func TestHandleLineWithoutConversation(t *testing.T) {
	api := reconciler.NewHTTPAPI("http://127.0.0.1:1/api", "", "alice")
	rec := reconciler.New("alice", api)
	p := &printer{self: "alice", printed: make(map[string]bool), rec: rec}
	ctx := context.Background()

	assert.NoError(t, handleLine(ctx, rec, api, p, ""))
	assert.ErrorIs(t, handleLine(ctx, rec, api, p, "/quit"), errQuit)
	assert.Error(t, handleLine(ctx, rec, api, p, "/to"))
	// plain text needs an open conversation and sends nothing
	assert.Error(t, handleLine(ctx, rec, api, p, "hello"))
	assert.Empty(t, rec.Entries())
}
