package orders_ws

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreEvictsOldestFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "frames.db")
	s, err := OpenStore(path, 100)
	require.NoError(t, err)

	frame := []byte(`0123456789`)
	for i := 0; i < 300; i++ {
		s.Insert("order_updated", frame)
	}
	s.Flush()

	n, err := s.Count(context.Background(), "order_updated")
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 10)
	require.NoError(t, s.Close())

	reopened, err := OpenStore(path, 100)
	require.NoError(t, err)
	defer reopened.Close()
	assert.LessOrEqual(t, reopened.cachedSize, int64(100))
}

func TestStoreRecentFilters(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "frames.db"), 0)
	require.NoError(t, err)
	defer s.Close()

	for _, f := range []struct{ kind, raw string }{
		{"order_created", `{"type":"order_created","payload":{"id":"a1"}}`},
		{"malformed", `{not json`},
		{"order_updated", `{"type":"order_updated","payload":{"id":"a1","status":"processing"}}`},
		{"order_created", `{"type":"order_created","payload":{"id":"b2"}}`},
	} {
		s.Insert(f.kind, []byte(f.raw))
		s.Flush()
	}
	ctx := context.Background()

	all, err := s.Recent(ctx, FrameQuery{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Contains(t, string(all[0].Raw), "b2", "newest first")
	assert.False(t, all[0].Received.IsZero())

	created, err := s.Recent(ctx, FrameQuery{Kind: "order_created"})
	require.NoError(t, err)
	assert.Len(t, created, 2)

	a1, err := s.Recent(ctx, FrameQuery{Contains: `"a1"`, Limit: 1})
	require.NoError(t, err)
	require.Len(t, a1, 1)
	assert.Equal(t, "order_updated", a1[0].Kind)
	assert.Equal(t, int64(len(a1[0].Raw)), a1[0].Size)
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	s.Insert("order_created", []byte(`{}`))
	n, err := s.Count(context.Background(), "")
	assert.NoError(t, err)
	assert.Zero(t, n)
	frames, err := s.Recent(context.Background(), FrameQuery{})
	assert.NoError(t, err)
	assert.Empty(t, frames)
	s.Flush()
	assert.NoError(t, s.Close())
}
