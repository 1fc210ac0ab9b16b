package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"nexusbot/internal/domain/group"
	"nexusbot/internal/domain/whatsapp"
	"nexusbot/pkg/logger"
)

// MetadataFetcher é o recorte do SocketDriver que o cache consome
type MetadataFetcher interface {
	GroupMetadata(ctx context.Context, groupJID string) (*group.Metadata, error)
}

// EventSource é o recorte do SocketDriver usado para invalidação
type EventSource interface {
	AddEventHandler(handler func(evt any)) uint32
}

const (
	groupCacheTTL        = 60 * time.Second
	groupCacheMaxEntries = 300

	// RateLimitedSubject é o assunto do esqueleto retornado quando o
	// servidor rate-limita e não há entrada em cache
	RateLimitedSubject = "Unknown Group (Rate Limited)"
)

type groupEntry struct {
	meta       *group.Metadata
	expiresAt  time.Time
	lastAccess time.Time
}

// GroupCache mantém metadados de grupo com TTL, invalidação dirigida por
// eventos e fallback em rate limit. Compartilhado por todas as sessões;
// última escrita vence, eventos são donos da invalidação.
type GroupCache struct {
	log logger.Logger

	mu      sync.Mutex
	entries map[string]*groupEntry

	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewGroupCache cria um cache de metadados de grupo
func NewGroupCache(log logger.Logger) *GroupCache {
	return &GroupCache{
		log:        log.WithComponent("group-cache"),
		entries:    make(map[string]*groupEntry),
		ttl:        groupCacheTTL,
		maxEntries: groupCacheMaxEntries,
		now:        time.Now,
	}
}

// Get retorna os metadados do grupo, cache-first.
//   - hit fresco: retorna imediatamente (sem I/O)
//   - miss ou forceRefresh: busca via driver, normaliza e grava com TTL
//   - forbidden (bot fora do grupo): evicta e retorna (nil, nil)
//   - rate limit: retorna a entrada velha se existir; senão um esqueleto
//     mínimo — nunca propaga o erro
//   - outros erros sobem para o chamador
func (c *GroupCache) Get(ctx context.Context, fetcher MetadataFetcher, groupID string, forceRefresh bool) (*group.Metadata, error) {
	if !forceRefresh {
		if meta := c.lookup(groupID); meta != nil {
			return meta, nil
		}
	}

	meta, err := fetcher.GroupMetadata(ctx, groupID)
	if err != nil {
		if errors.Is(err, whatsapp.ErrForbidden) {
			c.Evict(groupID)
			return nil, nil
		}
		if errors.Is(err, whatsapp.ErrRateLimited) || errors.Is(err, context.DeadlineExceeded) {
			if stale := c.lookupStale(groupID); stale != nil {
				c.log.Debug().Str("groupId", groupID).Msg("Rate limited, serving stale group metadata")
				return stale, nil
			}
			c.log.Warn().Str("groupId", groupID).Msg("Rate limited with empty cache, serving fallback")
			return &group.Metadata{
				ID:           groupID,
				Subject:      RateLimitedSubject,
				Participants: []group.Participant{},
				FetchedAt:    c.now(),
			}, nil
		}
		return nil, err
	}

	meta.Normalize()
	meta.FetchedAt = c.now()
	c.set(groupID, meta)
	return meta, nil
}

// BindInvalidation inscreve o cache nos eventos de grupo do driver.
// Mudança de participantes força refetch; mudança de configuração
// (announce/restrict) evicta; o restante é mesclado na entrada.
func (c *GroupCache) BindInvalidation(src EventSource, fetcher MetadataFetcher) {
	src.AddEventHandler(func(evt any) {
		switch e := evt.(type) {
		case *whatsapp.GroupsUpdate:
			for _, upd := range e.Updates {
				c.applyUpdate(upd)
			}
		case *whatsapp.GroupParticipantsUpdate:
			c.refresh(e.GroupJID, fetcher)
		}
	})
}

// Evict remove a entrada do grupo
func (c *GroupCache) Evict(groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, groupID)
}

// Len retorna o número de entradas vivas
func (c *GroupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *GroupCache) lookup(groupID string) *group.Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[groupID]
	if !ok || c.now().After(e.expiresAt) {
		return nil
	}
	e.lastAccess = c.now()
	return e.meta
}

// lookupStale retorna a entrada mesmo com TTL vencido
func (c *GroupCache) lookupStale(groupID string) *group.Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[groupID]
	if !ok {
		return nil
	}
	return e.meta
}

func (c *GroupCache) set(groupID string, meta *group.Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictLRULocked()
	}

	now := c.now()
	c.entries[groupID] = &groupEntry{
		meta:       meta,
		expiresAt:  now.Add(c.ttl),
		lastAccess: now,
	}
}

func (c *GroupCache) applyUpdate(upd whatsapp.GroupUpdate) {
	// Mudança de configuração invalida a entrada inteira
	if upd.Announce != nil || upd.Restrict != nil {
		c.Evict(upd.JID)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[upd.JID]
	if !ok {
		return
	}
	if upd.Subject != nil {
		// Leitores seguram o ponteiro antigo; a mescla troca a entrada
		// por uma cópia em vez de mutar o metadado compartilhado
		merged := *e.meta
		merged.Subject = *upd.Subject
		e.meta = &merged
	}
}

// refresh busca forçada disparada por evento de participantes
func (c *GroupCache) refresh(groupID string, fetcher MetadataFetcher) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := c.Get(ctx, fetcher, groupID, true); err != nil {
		c.log.WithError(err).Warn().Str("groupId", groupID).Msg("Failed to refresh group metadata after participant update")
	}
}

// evictLRULocked remove a entrada acessada há mais tempo
func (c *GroupCache) evictLRULocked() {
	var lruKey string
	var lruAt time.Time
	first := true
	for key, e := range c.entries {
		if first || e.lastAccess.Before(lruAt) {
			lruKey = key
			lruAt = e.lastAccess
			first = false
		}
	}
	if !first {
		delete(c.entries, lruKey)
	}
}
