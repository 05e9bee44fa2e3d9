package results

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/cuemby/maestro/pkg/log"
	"github.com/cuemby/maestro/pkg/metrics"
	"github.com/cuemby/maestro/pkg/storage"
	"github.com/cuemby/maestro/pkg/types"
)

const (
	// DefaultInlineThreshold is the largest body stored inline: 64 KiB.
	DefaultInlineThreshold = 64 * 1024

	defaultCacheSize = 1000
	defaultCacheTTL  = time.Hour
	defaultListLimit = 50
	maxListLimit     = 200
)

// Config holds the result store knobs.
type Config struct {
	// InlineThreshold is the body size in bytes above which results are
	// stored as pointers into the blob backend.
	InlineThreshold int

	// CacheSize and CacheTTL bound the read-through result cache.
	CacheSize int
	CacheTTL  time.Duration
}

// DefaultConfig returns the result store defaults.
func DefaultConfig() Config {
	return Config{
		InlineThreshold: DefaultInlineThreshold,
		CacheSize:       defaultCacheSize,
		CacheTTL:        defaultCacheTTL,
	}
}

// PutHints carry per-result storage preferences from the dispatch path.
type PutHints struct {
	// PreferPointer forces pointer storage regardless of size. Set when the
	// chosen worker registered with prefers_pointer_result.
	PreferPointer bool

	// ContentType is recorded on the result for the read path.
	ContentType string
}

// Store persists job results and answers owner-scoped reads. Bodies at or
// under the inline threshold live in the result record; larger ones (or
// any result a worker hinted should be a pointer) go to the blob backend
// with only the locator inline. Size and Checksum always describe the
// original artifact bytes regardless of where they ended up.
//
// Reads are owner-scoped at the storage key, so asking for another owner's
// result misses exactly like asking for one that never existed.
type Store struct {
	cfg    Config
	store  storage.Store
	blobs  BlobBackend
	cache  *expirable.LRU[string, *types.Result]
	logger zerolog.Logger
}

// New creates a result store over the given persistence and blob backends.
func New(cfg Config, st storage.Store, blobs BlobBackend) *Store {
	if cfg.InlineThreshold <= 0 {
		cfg.InlineThreshold = DefaultInlineThreshold
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	return &Store{
		cfg:    cfg,
		store:  st,
		blobs:  blobs,
		cache:  expirable.NewLRU[string, *types.Result](cfg.CacheSize, nil, cfg.CacheTTL),
		logger: log.WithComponent("results"),
	}
}

// Put stores a successful artifact for the request and returns the result
// record. Bodies larger than the inline threshold, even by one byte, or
// hinted with PreferPointer are written to the blob backend.
func (s *Store) Put(ctx context.Context, owner, requestID string, body []byte, hints PutHints) (*types.Result, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	if requestID == "" {
		return nil, fmt.Errorf("request id is required")
	}

	sum := sha256.Sum256(body)
	result := &types.Result{
		ID:          uuid.New().String(),
		RequestID:   requestID,
		Owner:       owner,
		ContentType: hints.ContentType,
		Size:        int64(len(body)),
		Checksum:    "sha256:" + hex.EncodeToString(sum[:]),
		CreatedAt:   time.Now(),
	}

	if len(body) > s.cfg.InlineThreshold || (hints.PreferPointer && len(body) > 0) {
		locator, err := s.blobs.Write(ctx, body)
		if err != nil {
			return nil, fmt.Errorf("%w: blob write: %v", types.ErrStorageFailure, err)
		}
		result.Kind = types.ResultKindPointer
		result.Body = []byte(locator)
	} else {
		result.Kind = types.ResultKindInline
		result.Body = body
	}

	if err := s.store.CreateResult(result); err != nil {
		// Orphaned blobs are reaped by the retention sweep.
		return nil, fmt.Errorf("%w: %v", types.ErrStorageFailure, err)
	}

	s.cache.Add(cacheKey(owner, result.ID), result)
	metrics.ResultsStored.WithLabelValues(string(result.Kind)).Inc()
	metrics.ResultBytes.WithLabelValues(string(result.Kind)).Add(float64(result.Size))
	s.logger.Debug().
		Str("result_id", result.ID).
		Str("request_id", requestID).
		Str("kind", string(result.Kind)).
		Int64("size", result.Size).
		Msg("Result stored")
	return result, nil
}

// PutError stores a typed failure as the request's result.
func (s *Store) PutError(_ context.Context, owner, requestID, errorKind, errorMessage string) (*types.Result, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	if requestID == "" {
		return nil, fmt.Errorf("request id is required")
	}

	result := &types.Result{
		ID:           uuid.New().String(),
		RequestID:    requestID,
		Owner:        owner,
		Kind:         types.ResultKindError,
		ErrorKind:    errorKind,
		ErrorMessage: errorMessage,
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateResult(result); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorageFailure, err)
	}

	s.cache.Add(cacheKey(owner, result.ID), result)
	metrics.ResultsStored.WithLabelValues(string(types.ResultKindError)).Inc()
	return result, nil
}

// Get returns the result record. An id belonging to another owner misses
// with ErrNotFound, indistinguishable from a result that never existed.
func (s *Store) Get(_ context.Context, owner, id string) (*types.Result, error) {
	if cached, ok := s.cache.Get(cacheKey(owner, id)); ok {
		metrics.ResultCacheHits.Inc()
		return cached, nil
	}
	metrics.ResultCacheMisses.Inc()

	result, err := s.store.GetResult(owner, id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(cacheKey(owner, id), result)
	return result, nil
}

// GetByRequest returns the request's result record, owner-scoped like Get.
func (s *Store) GetByRequest(_ context.Context, owner, requestID string) (*types.Result, error) {
	return s.store.GetResultByRequest(owner, requestID)
}

// Resolve returns the artifact bytes behind a result record: the inline
// body, or the blob read back and verified against the stored checksum.
// Error-kind results have no artifact.
func (s *Store) Resolve(ctx context.Context, result *types.Result) ([]byte, error) {
	switch result.Kind {
	case types.ResultKindInline:
		return result.Body, nil
	case types.ResultKindPointer:
		data, err := s.blobs.Read(ctx, string(result.Body))
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		if got := "sha256:" + hex.EncodeToString(sum[:]); got != result.Checksum {
			return nil, fmt.Errorf("%w: checksum mismatch for result %s", types.ErrStorageFailure, result.ID)
		}
		return data, nil
	case types.ResultKindError:
		return nil, fmt.Errorf("result %s is an error result: %w", result.ID, types.ErrNotFound)
	default:
		return nil, fmt.Errorf("result %s has unknown kind %q", result.ID, result.Kind)
	}
}

// List pages through the owner's results newest-first. The cursor is the
// opaque string returned by the previous page; empty starts at the top.
// The returned cursor is empty on the last page.
func (s *Store) List(_ context.Context, owner, cursor string, limit int) ([]*types.Result, string, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	offset := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
		offset = parsed
	}

	all, err := s.store.ListResultsByOwner(owner)
	if err != nil {
		return nil, "", err
	}
	storage.SortResultsNewestFirst(all)

	if offset >= len(all) {
		return []*types.Result{}, "", nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[offset:end]

	next := ""
	if end < len(all) {
		next = strconv.Itoa(end)
	}
	return page, next, nil
}

// Delete removes the result record and its blob, if any. Deleting a missing
// or other-owner result is a no-op.
func (s *Store) Delete(ctx context.Context, owner, id string) error {
	result, err := s.store.GetResult(owner, id)
	if err != nil {
		return nil // idempotent
	}

	if result.Kind == types.ResultKindPointer {
		if err := s.blobs.Remove(ctx, string(result.Body)); err != nil {
			s.logger.Warn().Err(err).Str("result_id", id).Msg("Failed to remove blob")
		}
	}
	if err := s.store.DeleteResult(owner, id); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageFailure, err)
	}
	s.cache.Remove(cacheKey(owner, id))
	return nil
}

// Cleanup deletes results created before the cutoff, blobs included, and
// returns how many were removed. The retention sweep calls this hourly.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	all, err := s.store.ListResults()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, result := range all {
		if !result.CreatedAt.Before(olderThan) {
			continue
		}
		if err := s.Delete(ctx, result.Owner, result.ID); err != nil {
			s.logger.Warn().Err(err).Str("result_id", result.ID).Msg("Retention delete failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Time("older_than", olderThan).Msg("Retention sweep complete")
	}
	return removed, nil
}

// CacheLen returns the number of cached result records.
func (s *Store) CacheLen() int {
	return s.cache.Len()
}

func cacheKey(owner, id string) string {
	return owner + "/" + id
}
