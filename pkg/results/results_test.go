package results

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/maestro/pkg/storage"
	"github.com/cuemby/maestro/pkg/types"
)

func newTestStore(t *testing.T) (*Store, *MemoryBlobs) {
	t.Helper()
	blobs := NewMemoryBlobs()
	cfg := DefaultConfig()
	cfg.InlineThreshold = 64 // small threshold keeps test bodies readable
	return New(cfg, storage.NewMemoryStore(), blobs), blobs
}

func TestPutInlineUnderThreshold(t *testing.T) {
	s, blobs := newTestStore(t)
	body := []byte(`{"matches": 3}`)

	result, err := s.Put(context.Background(), "alice", "r1", body, PutHints{ContentType: "application/json"})
	require.NoError(t, err)

	assert.Equal(t, types.ResultKindInline, result.Kind)
	assert.Equal(t, body, result.Body)
	assert.Equal(t, int64(len(body)), result.Size)
	assert.Equal(t, "application/json", result.ContentType)
	assert.Equal(t, 0, blobs.Len())

	sum := sha256.Sum256(body)
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), result.Checksum)
}

func TestPutPointerOverThresholdByOneByte(t *testing.T) {
	s, blobs := newTestStore(t)
	body := bytes.Repeat([]byte("x"), 65) // threshold is 64

	result, err := s.Put(context.Background(), "alice", "r1", body, PutHints{})
	require.NoError(t, err)

	assert.Equal(t, types.ResultKindPointer, result.Kind)
	assert.NotEqual(t, body, result.Body, "pointer body must be the locator, not the artifact")
	assert.Equal(t, int64(65), result.Size)
	assert.Equal(t, 1, blobs.Len())

	// A body exactly at the threshold stays inline.
	atLimit, err := s.Put(context.Background(), "alice", "r2", bytes.Repeat([]byte("y"), 64), PutHints{})
	require.NoError(t, err)
	assert.Equal(t, types.ResultKindInline, atLimit.Kind)
}

func TestPutPointerWhenHinted(t *testing.T) {
	s, _ := newTestStore(t)
	body := []byte("tiny")

	result, err := s.Put(context.Background(), "alice", "r1", body, PutHints{PreferPointer: true})
	require.NoError(t, err)
	assert.Equal(t, types.ResultKindPointer, result.Kind)

	resolved, err := s.Resolve(context.Background(), result)
	require.NoError(t, err)
	assert.Equal(t, body, resolved)
}

func TestResolveVerifiesChecksum(t *testing.T) {
	s, blobs := newTestStore(t)
	body := bytes.Repeat([]byte("z"), 100)

	result, err := s.Put(context.Background(), "alice", "r1", body, PutHints{})
	require.NoError(t, err)

	resolved, err := s.Resolve(context.Background(), result)
	require.NoError(t, err)
	assert.Equal(t, body, resolved)

	// Corrupt the blob in place: Resolve must refuse to return it.
	blobs.mu.Lock()
	for locator := range blobs.blobs {
		blobs.blobs[locator][0] ^= 0xff
	}
	blobs.mu.Unlock()

	_, err = s.Resolve(context.Background(), result)
	assert.ErrorIs(t, err, types.ErrStorageFailure)
}

func TestOwnerMismatchIsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	result, err := s.Put(context.Background(), "alice", "r1", []byte("data"), PutHints{})
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "bob", result.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = s.GetByRequest(context.Background(), "bob", "r1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// The rightful owner still reads it.
	got, err := s.Get(context.Background(), "alice", result.ID)
	require.NoError(t, err)
	assert.Equal(t, result.ID, got.ID)
}

func TestPutError(t *testing.T) {
	s, _ := newTestStore(t)

	result, err := s.PutError(context.Background(), "alice", "r1", "timeout", "deadline exceeded after 2 attempts")
	require.NoError(t, err)
	assert.Equal(t, types.ResultKindError, result.Kind)
	assert.Equal(t, "timeout", result.ErrorKind)
	assert.Empty(t, result.Checksum)

	_, err = s.Resolve(context.Background(), result)
	assert.Error(t, err, "error results have no artifact")
}

func TestListPagination(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Put(ctx, "alice", "r", []byte{byte(i)}, PutHints{})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond) // distinct CreatedAt for ordering
	}
	_, err := s.Put(ctx, "bob", "rb", []byte("other owner"), PutHints{})
	require.NoError(t, err)

	page1, cursor, err := s.List(ctx, "alice", "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotEmpty(t, cursor)

	page2, cursor, err := s.List(ctx, "alice", cursor, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.NotEmpty(t, cursor)

	page3, cursor, err := s.List(ctx, "alice", cursor, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Empty(t, cursor, "last page returns no cursor")

	// Newest first, no overlap, no other owner's results.
	seen := map[string]bool{}
	var prev time.Time
	for i, r := range append(append(page1, page2...), page3...) {
		assert.Equal(t, "alice", r.Owner)
		assert.False(t, seen[r.ID], "duplicate result in pages")
		seen[r.ID] = true
		if i > 0 {
			assert.False(t, r.CreatedAt.After(prev), "pages must be newest-first")
		}
		prev = r.CreatedAt
	}

	_, _, err = s.List(ctx, "alice", "not-a-cursor", 2)
	assert.Error(t, err)

	empty, cursor, err := s.List(ctx, "nobody", "", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Empty(t, cursor)
}

func TestDeleteIdempotentAndRemovesBlob(t *testing.T) {
	s, blobs := newTestStore(t)
	ctx := context.Background()

	result, err := s.Put(ctx, "alice", "r1", bytes.Repeat([]byte("x"), 100), PutHints{})
	require.NoError(t, err)
	require.Equal(t, 1, blobs.Len())

	require.NoError(t, s.Delete(ctx, "alice", result.ID))
	assert.Equal(t, 0, blobs.Len())
	_, err = s.Get(ctx, "alice", result.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Again, and for ids that never existed.
	assert.NoError(t, s.Delete(ctx, "alice", result.ID))
	assert.NoError(t, s.Delete(ctx, "alice", "ghost"))

	// Deleting as the wrong owner must not remove anything.
	kept, err := s.Put(ctx, "alice", "r2", []byte("keep"), PutHints{})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "bob", kept.ID))
	_, err = s.Get(ctx, "alice", kept.ID)
	assert.NoError(t, err)
}

func TestCleanupRetention(t *testing.T) {
	s, blobs := newTestStore(t)
	ctx := context.Background()

	old, err := s.Put(ctx, "alice", "r1", bytes.Repeat([]byte("o"), 100), PutHints{})
	require.NoError(t, err)

	cutoff := time.Now()
	time.Sleep(2 * time.Millisecond)

	fresh, err := s.Put(ctx, "alice", "r2", []byte("fresh"), PutHints{})
	require.NoError(t, err)

	removed, err := s.Cleanup(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, blobs.Len(), "old pointer blob must be reaped")

	_, err = s.Get(ctx, "alice", old.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = s.Get(ctx, "alice", fresh.ID)
	assert.NoError(t, err)
}

func TestGetServesFromCache(t *testing.T) {
	backing := storage.NewMemoryStore()
	s := New(DefaultConfig(), backing, NewMemoryBlobs())
	ctx := context.Background()

	result, err := s.Put(ctx, "alice", "r1", []byte("cached"), PutHints{})
	require.NoError(t, err)

	// Remove from the backing store directly: the cache must still answer.
	require.NoError(t, backing.DeleteResult("alice", result.ID))

	got, err := s.Get(ctx, "alice", result.ID)
	require.NoError(t, err)
	assert.Equal(t, result.ID, got.ID)
}
