package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-collab-docs/config"
	"github.com/alimasry/go-collab-docs/session"
	"github.com/alimasry/go-collab-docs/store"
)

func TestOpenBackend_BadgerWritesThrough(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendBadger
	cfg.Store.Badger.Path = t.TempDir()

	be, err := openBackend(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer be.close()

	assert.IsType(t, &store.BadgerStore{}, be.docs)
	assert.IsType(t, &session.BadgerRepository{}, be.repo)
	assert.Nil(t, be.locker)
}

func TestOpenBackend_Memory(t *testing.T) {
	be, err := openBackend(context.Background(), config.Default(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer be.close()

	assert.IsType(t, &store.MemoryStore{}, be.docs)
	assert.IsType(t, &session.MemoryRepository{}, be.repo)
}
