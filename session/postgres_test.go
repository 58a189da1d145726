package session

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPostgresPool connects to DATABASE_URL. Postgres tests cannot run in
// parallel with each other.
func newTestPostgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping Postgres tests")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func newTestPostgresRepository(t *testing.T) Repository {
	t.Helper()
	ctx := context.Background()
	pool := newTestPostgresPool(t)
	repo, err := NewPostgresRepository(ctx, pool)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE sessions CASCADE`)
	require.NoError(t, err)
	return repo
}

func TestPostgresRepository(t *testing.T) {
	testRepository(t, newTestPostgresRepository)
}

func TestPostgresRepository_OneOpenSessionPerDocument(t *testing.T) {
	repo := newTestPostgresRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testSession("s1", "doc1", 0)))
	assert.ErrorIs(t, repo.Create(ctx, testSession("s2", "doc1", 0)), ErrSessionExists)
}

func TestPostgresLocker_SerializesAcrossPools(t *testing.T) {
	// Two pools stand in for two server instances.
	lockers := []Locker{
		NewPostgresLocker(newTestPostgresPool(t)),
		NewPostgresLocker(newTestPostgresPool(t)),
	}

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(l Locker) {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "s1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			holders++
			maxSeen = max(maxSeen, holders)
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			unlock()
		}(lockers[i%2])
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestPostgresLocker_HonoursContext(t *testing.T) {
	holder := NewPostgresLocker(newTestPostgresPool(t))
	waiter := NewPostgresLocker(newTestPostgresPool(t))

	unlock, err := holder.Lock(context.Background(), "s1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = waiter.Lock(ctx, "s1")
	assert.Error(t, err)
}
