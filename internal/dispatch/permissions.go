package dispatch

import (
	"context"
	"sync"
	"time"

	"nexusbot/internal/domain/group"
	"nexusbot/internal/domain/plugin"
	"nexusbot/internal/domain/user"
	"nexusbot/pkg/logger"
)

const (
	permCacheTTL        = 30 * time.Second
	permCacheMaxEntries = 500
	permSweepInterval   = 30 * time.Second
)

// Decision é o resultado de uma checagem de permissão
type Decision struct {
	Allowed bool
	// Message acompanha uma negação que merece resposta; vazio nega em
	// silêncio
	Message string
}

var (
	allow      = Decision{Allowed: true}
	denySilent = Decision{}
)

func denyWith(msg string) Decision {
	return Decision{Message: msg}
}

type permEntry struct {
	decision Decision
	cachedAt time.Time
}

// permissionChecker avalia e cacheia decisões de permissão. Decisões
// valem por 30 segundos; o cache é limitado e varrido periodicamente.
type permissionChecker struct {
	users user.Repository
	log   logger.Logger

	mu      sync.Mutex
	entries map[string]permEntry
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func newPermissionChecker(users user.Repository, log logger.Logger) *permissionChecker {
	c := &permissionChecker{
		users:   users,
		log:     log.WithComponent("permissions"),
		entries: make(map[string]permEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// permRequest agrega tudo que a avaliação precisa
type permRequest struct {
	Plugin    *plugin.Plugin
	UserID    string
	ChatJID   string
	SenderJID string
	Command   string
	IsGroup   bool
	IsCreator bool
	Group     *group.Metadata
}

// Check retorna a decisão para a requisição, usando o cache quando a
// mesma combinação foi avaliada há pouco
func (c *permissionChecker) Check(ctx context.Context, req permRequest) Decision {
	key := req.UserID + "|" + req.ChatJID + "|" + req.SenderJID + "|" + req.Command

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.cachedAt) < permCacheTTL {
		c.mu.Unlock()
		return e.decision
	}
	c.mu.Unlock()

	decision := c.evaluate(ctx, req)

	c.mu.Lock()
	if len(c.entries) >= permCacheMaxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = permEntry{decision: decision, cachedAt: c.now()}
	c.mu.Unlock()

	return decision
}

// evaluate aplica as regras de permissão na ordem de maior restrição
func (c *permissionChecker) evaluate(ctx context.Context, req permRequest) Decision {
	p := req.Plugin

	// O criador da sessão passa por tudo
	if req.IsCreator {
		return allow
	}

	if p.OwnerOnly || p.Category == plugin.CategoryOwner {
		return denySilent
	}

	if p.VIPOnly || p.Category == plugin.CategoryVIP {
		settings, err := c.users.GetOrDefault(ctx, req.UserID)
		if err != nil {
			c.log.WithError(err).Warn().Str("userId", req.UserID).Msg("VIP lookup failed, denying")
			return denySilent
		}
		if !settings.VIPActive(c.now()) {
			return denyWith("Este comando é exclusivo para usuários VIP.")
		}
		return allow
	}

	needsAdmin := p.AdminOnly || p.Category == plugin.CategoryGroup
	if req.IsGroup && needsAdmin {
		if !isGroupAdmin(req.Group, req.SenderJID) {
			return denyWith("Apenas administradores do grupo podem usar este comando.")
		}
	}

	return allow
}

// isGroupAdmin verifica se o remetente é admin no metadado do grupo.
// Metadado ausente (rate limit, bot fora do grupo) nega por segurança.
func isGroupAdmin(meta *group.Metadata, senderJID string) bool {
	if meta == nil {
		return false
	}

	senderPhone := group.PhonePart(senderJID)
	for _, p := range meta.Participants {
		if p.Admin == group.RoleMember {
			continue
		}
		if p.ID == senderJID || p.JID == senderJID || p.PhoneNumber == senderPhone {
			return true
		}
	}
	return false
}

func (c *permissionChecker) sweepLoop() {
	ticker := time.NewTicker(permSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *permissionChecker) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-permCacheTTL)
	for key, e := range c.entries {
		if e.cachedAt.Before(cutoff) {
			delete(c.entries, key)
		}
	}
}

func (c *permissionChecker) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for key, e := range c.entries {
		if first || e.cachedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.cachedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

func (c *permissionChecker) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
