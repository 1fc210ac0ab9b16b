package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexusbot/internal/domain/group"
	"nexusbot/internal/domain/whatsapp"
	"nexusbot/pkg/logger"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	meta  *group.Metadata
	err   error
}

func (f *fakeFetcher) GroupMetadata(ctx context.Context, groupJID string) (*group.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	meta := *f.meta
	return &meta, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEventSource struct {
	handlers []func(evt any)
}

func (s *fakeEventSource) AddEventHandler(handler func(evt any)) uint32 {
	s.handlers = append(s.handlers, handler)
	return uint32(len(s.handlers))
}

func (s *fakeEventSource) emit(evt any) {
	for _, h := range s.handlers {
		h(evt)
	}
}

func testMeta(id string) *group.Metadata {
	return &group.Metadata{
		ID:      id,
		Subject: "Test Group",
		Participants: []group.Participant{
			{ID: "111@s.whatsapp.net", Admin: group.RoleAdmin},
			{ID: "222@s.whatsapp.net"},
		},
	}
}

func TestGetFetchesOnMissAndCachesHit(t *testing.T) {
	c := NewGroupCache(logger.SetupForTesting())
	f := &fakeFetcher{meta: testMeta("g1@g.us")}

	meta, err := c.Get(context.Background(), f, "g1@g.us", false)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "Test Group", meta.Subject)
	assert.Equal(t, 1, f.callCount())

	// Segunda chamada dentro do TTL não toca o driver
	_, err = c.Get(context.Background(), f, "g1@g.us", false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.callCount())
}

func TestGetForceRefreshBypassesCache(t *testing.T) {
	c := NewGroupCache(logger.SetupForTesting())
	f := &fakeFetcher{meta: testMeta("g1@g.us")}

	_, err := c.Get(context.Background(), f, "g1@g.us", false)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), f, "g1@g.us", true)
	require.NoError(t, err)
	assert.Equal(t, 2, f.callCount())
}

func TestGetExpiredEntryRefetches(t *testing.T) {
	c := NewGroupCache(logger.SetupForTesting())
	now := time.Now()
	c.now = func() time.Time { return now }

	f := &fakeFetcher{meta: testMeta("g1@g.us")}
	_, err := c.Get(context.Background(), f, "g1@g.us", false)
	require.NoError(t, err)

	now = now.Add(61 * time.Second)
	_, err = c.Get(context.Background(), f, "g1@g.us", false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.callCount())
}

func TestGetForbiddenEvictsAndReturnsNil(t *testing.T) {
	c := NewGroupCache(logger.SetupForTesting())
	f := &fakeFetcher{meta: testMeta("g1@g.us")}

	_, err := c.Get(context.Background(), f, "g1@g.us", false)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	f.err = whatsapp.ErrForbidden
	meta, err := c.Get(context.Background(), f, "g1@g.us", true)
	assert.NoError(t, err)
	assert.Nil(t, meta)
	assert.Equal(t, 0, c.Len())
}

func TestGetRateLimitedServesStale(t *testing.T) {
	c := NewGroupCache(logger.SetupForTesting())
	now := time.Now()
	c.now = func() time.Time { return now }

	f := &fakeFetcher{meta: testMeta("g1@g.us")}
	_, err := c.Get(context.Background(), f, "g1@g.us", false)
	require.NoError(t, err)

	// Entrada vencida mas presente: rate limit serve a versão velha
	now = now.Add(2 * time.Minute)
	f.err = whatsapp.ErrRateLimited
	meta, err := c.Get(context.Background(), f, "g1@g.us", false)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "Test Group", meta.Subject)
}

func TestGetRateLimitedEmptyCacheServesFallback(t *testing.T) {
	c := NewGroupCache(logger.SetupForTesting())
	f := &fakeFetcher{err: whatsapp.ErrRateLimited}

	meta, err := c.Get(context.Background(), f, "g9@g.us", false)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "g9@g.us", meta.ID)
	assert.Equal(t, RateLimitedSubject, meta.Subject)
	assert.Empty(t, meta.Participants)

	// O esqueleto não é cacheado
	assert.Equal(t, 0, c.Len())
}

func TestGetTimeoutServesFallback(t *testing.T) {
	c := NewGroupCache(logger.SetupForTesting())
	f := &fakeFetcher{err: context.DeadlineExceeded}

	meta, err := c.Get(context.Background(), f, "g9@g.us", false)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, RateLimitedSubject, meta.Subject)
}

func TestGetOtherErrorsPropagate(t *testing.T) {
	c := NewGroupCache(logger.SetupForTesting())
	f := &fakeFetcher{err: whatsapp.ErrSocketClosed}

	meta, err := c.Get(context.Background(), f, "g1@g.us", false)
	assert.ErrorIs(t, err, whatsapp.ErrSocketClosed)
	assert.Nil(t, meta)
}

func TestInvalidationSubjectMerge(t *testing.T) {
	c := NewGroupCache(logger.SetupForTesting())
	f := &fakeFetcher{meta: testMeta("g1@g.us")}
	src := &fakeEventSource{}
	c.BindInvalidation(src, f)

	_, err := c.Get(context.Background(), f, "g1@g.us", false)
	require.NoError(t, err)

	subject := "Renamed"
	src.emit(&whatsapp.GroupsUpdate{Updates: []whatsapp.GroupUpdate{{JID: "g1@g.us", Subject: &subject}}})

	meta, err := c.Get(context.Background(), f, "g1@g.us", false)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", meta.Subject)
	// O merge não consumiu uma busca extra
	assert.Equal(t, 1, f.callCount())
}

func TestInvalidationSubjectMergeDoesNotMutateReaders(t *testing.T) {
	c := NewGroupCache(logger.SetupForTesting())
	f := &fakeFetcher{meta: testMeta("g1@g.us")}
	src := &fakeEventSource{}
	c.BindInvalidation(src, f)

	held, err := c.Get(context.Background(), f, "g1@g.us", false)
	require.NoError(t, err)

	subject := "Renamed"
	src.emit(&whatsapp.GroupsUpdate{Updates: []whatsapp.GroupUpdate{{JID: "g1@g.us", Subject: &subject}}})

	// Quem já segurava o ponteiro continua vendo o snapshot antigo; o
	// cache passa a servir a versão mesclada
	assert.Equal(t, "Test Group", held.Subject)
	fresh, err := c.Get(context.Background(), f, "g1@g.us", false)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", fresh.Subject)
	assert.NotSame(t, held, fresh)
}

func TestInvalidationSettingsChangeEvicts(t *testing.T) {
	c := NewGroupCache(logger.SetupForTesting())
	f := &fakeFetcher{meta: testMeta("g1@g.us")}
	src := &fakeEventSource{}
	c.BindInvalidation(src, f)

	_, err := c.Get(context.Background(), f, "g1@g.us", false)
	require.NoError(t, err)

	announce := true
	src.emit(&whatsapp.GroupsUpdate{Updates: []whatsapp.GroupUpdate{{JID: "g1@g.us", Announce: &announce}}})

	assert.Equal(t, 0, c.Len())
}

func TestInvalidationParticipantUpdateForcesRefresh(t *testing.T) {
	c := NewGroupCache(logger.SetupForTesting())
	f := &fakeFetcher{meta: testMeta("g1@g.us")}
	src := &fakeEventSource{}
	c.BindInvalidation(src, f)

	_, err := c.Get(context.Background(), f, "g1@g.us", false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.callCount())

	src.emit(&whatsapp.GroupParticipantsUpdate{
		GroupJID: "g1@g.us",
		Action:   whatsapp.ParticipantAdd,
		Participants: []group.Participant{
			{ID: "333@s.whatsapp.net"},
		},
	})

	assert.Equal(t, 2, f.callCount())
}

func TestCapacityEvictsLRU(t *testing.T) {
	c := NewGroupCache(logger.SetupForTesting())
	c.maxEntries = 3
	now := time.Now()
	c.now = func() time.Time { return now }

	f := &fakeFetcher{meta: testMeta("x")}
	for _, id := range []string{"g1@g.us", "g2@g.us", "g3@g.us"} {
		now = now.Add(time.Second)
		_, err := c.Get(context.Background(), f, id, true)
		require.NoError(t, err)
	}

	// Toca g1 para promovê-lo; g2 vira o LRU
	now = now.Add(time.Second)
	_, err := c.Get(context.Background(), f, "g1@g.us", false)
	require.NoError(t, err)

	now = now.Add(time.Second)
	_, err = c.Get(context.Background(), f, "g4@g.us", true)
	require.NoError(t, err)

	assert.Equal(t, 3, c.Len())
	assert.NotNil(t, c.lookupStale("g1@g.us"))
	assert.Nil(t, c.lookupStale("g2@g.us"))
}
