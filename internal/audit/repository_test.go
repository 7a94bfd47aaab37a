package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRepositoryInsertAndRecent(t *testing.T) {
	repo := NewInMemoryRepository(0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := &Event{ID: string(rune('a' + i)), ServerID: "as1.internal:7000", Kind: KindConnected, OccurredAt: time.Now()}
		require.NoError(t, repo.Insert(ctx, ev))
	}

	all, err := repo.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	last, err := repo.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "b", last[0].ID)
	assert.Equal(t, "c", last[1].ID)
}

func TestInMemoryRepositoryEvictsOldestBeyondCapacity(t *testing.T) {
	repo := NewInMemoryRepository(2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev := &Event{ID: string(rune('a' + i)), ServerID: "as1.internal:7000", Kind: KindConnected, OccurredAt: time.Now()}
		require.NoError(t, repo.Insert(ctx, ev))
	}

	out, err := repo.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, out, 2, "repository must stay bounded to its configured capacity")
	assert.Equal(t, "d", out[0].ID)
	assert.Equal(t, "e", out[1].ID)
}

func TestInMemoryRepositoryRecentOnEmpty(t *testing.T) {
	repo := NewInMemoryRepository(0)
	out, err := repo.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestServiceRecordConnectedAndDisconnected(t *testing.T) {
	repo := NewInMemoryRepository(0)
	svc := NewService(repo)
	ctx := context.Background()

	svc.RecordConnected(ctx, "as1.internal:7000", "incarnation-1", 5)
	svc.RecordDisconnected(ctx, "as1.internal:7000", "incarnation-1", nil)
	svc.RecordDisconnected(ctx, "as1.internal:7000", "incarnation-2", assertErr("connection reset"))

	events, err := svc.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, KindConnected, events[0].Kind)
	assert.Equal(t, uint32(5), events[0].Minor)

	assert.Equal(t, KindDisconnectedGraceful, events[1].Kind)
	assert.Empty(t, events[1].Error)

	assert.Equal(t, KindDisconnectedFailure, events[2].Kind)
	assert.Equal(t, "connection reset", events[2].Error)
}

type stringError string

func (e stringError) Error() string { return string(e) }

func assertErr(msg string) error { return stringError(msg) }
