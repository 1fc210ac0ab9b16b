package dedup

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"nexusbot/pkg/logger"
)

func newTestLedger(opts Options) *Ledger {
	l := NewLedger(opts, logger.SetupForTesting())
	l.Stop()
	return l
}

func TestTryLockSingleWinner(t *testing.T) {
	l := newTestLedger(DefaultOptions())
	key := Key{ChatJID: "group@g.us", MessageID: "msg1"}

	assert.True(t, l.TryLock(key, "session_A", AntiAction("antilink")))
	assert.False(t, l.TryLock(key, "session_B", AntiAction("antilink")))

	// O dono pode readquirir o próprio lock
	assert.True(t, l.TryLock(key, "session_A", AntiAction("antilink")))
}

func TestTryLockIndependentActions(t *testing.T) {
	l := newTestLedger(DefaultOptions())
	key := Key{ChatJID: "group@g.us", MessageID: "msg1"}

	assert.True(t, l.TryLock(key, "session_A", AntiAction("antilink")))
	assert.True(t, l.TryLock(key, "session_B", AntiAction("antispam")))
}

func TestTryLockAfterDone(t *testing.T) {
	l := newTestLedger(DefaultOptions())
	key := Key{ChatJID: "chat@s.whatsapp.net", MessageID: "m2"}

	assert.True(t, l.TryLock(key, "session_A", ActionErrorReply))
	l.MarkDone(key, "session_A", ActionErrorReply)

	assert.False(t, l.TryLock(key, "session_B", ActionErrorReply))
	assert.False(t, l.TryLock(key, "session_A", ActionErrorReply))
	assert.True(t, l.IsDone(key, ActionErrorReply))
}

func TestMarkDoneIdempotent(t *testing.T) {
	l := newTestLedger(DefaultOptions())
	key := Key{ChatJID: "c", MessageID: "m"}

	l.MarkDone(key, "session_A", ActionDBUpdate)
	l.MarkDone(key, "session_A", ActionDBUpdate)

	assert.True(t, l.IsDone(key, ActionDBUpdate))
	assert.Equal(t, 1, l.Len())
}

func TestLockTakeoverAfterAgeOut(t *testing.T) {
	l := newTestLedger(DefaultOptions())
	now := time.Now()
	l.now = func() time.Time { return now }

	key := Key{ChatJID: "g@g.us", MessageID: "m3"}
	assert.True(t, l.TryLock(key, "session_A", ActionDBUpdate))
	assert.False(t, l.TryLock(key, "session_B", ActionDBUpdate))

	// Lock mais velho que LockTTL pode ser tomado por outra sessão
	now = now.Add(16 * time.Second)
	assert.True(t, l.TryLock(key, "session_B", ActionDBUpdate))

	// A tomada renova o lock: a sessão original volta a ser bloqueada
	assert.False(t, l.TryLock(key, "session_A", ActionDBUpdate))
}

func TestSweepExpiresEntries(t *testing.T) {
	l := newTestLedger(DefaultOptions())
	now := time.Now()
	l.now = func() time.Time { return now }

	key := Key{ChatJID: "g@g.us", MessageID: "m4"}
	l.MarkDone(key, "session_A", ActionDBUpdate)

	now = now.Add(31 * time.Second)
	l.sweep()

	assert.Equal(t, 0, l.Len())
	assert.False(t, l.IsDone(key, ActionDBUpdate))
}

func TestCapacityEvictsOldest(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxEntries = 3
	l := newTestLedger(opts)

	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		l.MarkDone(Key{ChatJID: "c", MessageID: fmt.Sprintf("m%d", i)}, "s", ActionDBUpdate)
	}
	assert.Equal(t, 3, l.Len())

	// A quarta entrada expulsa a mais antiga (m0)
	now = now.Add(time.Second)
	l.MarkDone(Key{ChatJID: "c", MessageID: "m3"}, "s", ActionDBUpdate)

	assert.Equal(t, 3, l.Len())
	assert.False(t, l.IsDone(Key{ChatJID: "c", MessageID: "m0"}, ActionDBUpdate))
	assert.True(t, l.IsDone(Key{ChatJID: "c", MessageID: "m3"}, ActionDBUpdate))
}

func TestConcurrentTryLockSingleWinner(t *testing.T) {
	l := newTestLedger(DefaultOptions())
	key := Key{ChatJID: "g@g.us", MessageID: "race"}

	const sessions = 16
	var wg sync.WaitGroup
	winners := make(chan string, sessions)

	for i := 0; i < sessions; i++ {
		sid := fmt.Sprintf("session_%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryLock(key, sid, AntiAction("antilink")) {
				winners <- sid
			}
		}()
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	assert.Equal(t, 1, count)
}
