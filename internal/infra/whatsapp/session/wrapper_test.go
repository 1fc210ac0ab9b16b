package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexusbot/internal/domain/group"
	"nexusbot/internal/domain/session"
	"nexusbot/internal/domain/whatsapp"
	"nexusbot/pkg/logger"
	"nexusbot/pkg/ratebucket"
)

// fakeDriver roteiriza os erros de SendMessage e grava os payloads
// recebidos
type fakeDriver struct {
	mu      sync.Mutex
	errs    []error
	sent    []*whatsapp.OutgoingMessage
	targets []string
}

func (f *fakeDriver) SendMessage(ctx context.Context, toJID string, msg *whatsapp.OutgoingMessage) (*whatsapp.SendReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, msg)
	f.targets = append(f.targets, toJID)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &whatsapp.SendReceipt{MessageID: "MSGID", Timestamp: time.Now().Unix()}, nil
}

func (f *fakeDriver) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeDriver) UserJID() string                 { return "5511999999999@s.whatsapp.net" }
func (f *fakeDriver) Connect() error                  { return nil }
func (f *fakeDriver) Disconnect()                     {}
func (f *fakeDriver) IsConnected() bool               { return true }
func (f *fakeDriver) IsLoggedIn() bool                { return true }
func (f *fakeDriver) Logout(context.Context) error    { return nil }
func (f *fakeDriver) FlushBufferedEvents()            {}
func (f *fakeDriver) RemoveEventHandler(uint32)       {}
func (f *fakeDriver) SetGetMessage(whatsapp.GetMessageFunc) {}

func (f *fakeDriver) PairPhone(context.Context, string) (string, error) { return "", nil }
func (f *fakeDriver) AddEventHandler(func(evt any)) uint32              { return 1 }

func (f *fakeDriver) GroupMetadata(context.Context, string) (*group.Metadata, error) {
	return nil, nil
}
func (f *fakeDriver) OnWhatsApp(context.Context, ...string) ([]whatsapp.RegistrationCheck, error) {
	return nil, nil
}
func (f *fakeDriver) FollowNewsletter(context.Context, string) error           { return nil }
func (f *fakeDriver) SubscribeNewsletterUpdates(context.Context, string) error { return nil }
func (f *fakeDriver) UnmuteNewsletter(context.Context, string) error           { return nil }
func (f *fakeDriver) NewsletterMetadata(context.Context, string) (*whatsapp.NewsletterInfo, error) {
	return nil, nil
}
func (f *fakeDriver) PinChat(context.Context, string, bool) error { return nil }
func (f *fakeDriver) ResolveLID(_ context.Context, lid string) (string, error) {
	return lid, nil
}

func newTestSocket(t *testing.T) (*Socket, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	sess := &session.Session{ID: "session_1", UserID: "1"}
	bucket := ratebucket.New(time.Millisecond)
	t.Cleanup(bucket.Close)
	return newSocket("session_1", sess, bucket, repo, logger.SetupForTesting()), repo
}

func shortRetryDelays(t *testing.T) {
	t.Helper()
	orig := sendRetryDelays
	sendRetryDelays = [sendMaxRetries]time.Duration{time.Millisecond, 2 * time.Millisecond}
	t.Cleanup(func() { sendRetryDelays = orig })
}

func TestSendWithRetrySucceedsFirstTry(t *testing.T) {
	sock, _ := newTestSocket(t)
	drv := &fakeDriver{}

	receipt, err := sock.sendWithRetry(context.Background(), drv, "123@g.us", &whatsapp.OutgoingMessage{Text: "oi"})
	require.NoError(t, err)
	assert.Equal(t, "MSGID", receipt.MessageID)
	assert.Equal(t, 1, drv.calls())
}

func TestSendWithRetryRetriesTransientErrors(t *testing.T) {
	shortRetryDelays(t)
	sock, _ := newTestSocket(t)
	drv := &fakeDriver{errs: []error{whatsapp.ErrSendTimeout, whatsapp.ErrSendTimeout, nil}}

	receipt, err := sock.sendWithRetry(context.Background(), drv, "123@g.us", &whatsapp.OutgoingMessage{Text: "oi"})
	require.NoError(t, err)
	assert.NotNil(t, receipt)
	assert.Equal(t, 3, drv.calls())
}

func TestSendWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	shortRetryDelays(t)
	sock, _ := newTestSocket(t)
	drv := &fakeDriver{errs: []error{whatsapp.ErrSendTimeout, whatsapp.ErrSendTimeout, whatsapp.ErrSendTimeout}}

	_, err := sock.sendWithRetry(context.Background(), drv, "123@g.us", &whatsapp.OutgoingMessage{Text: "oi"})
	assert.ErrorIs(t, err, whatsapp.ErrSendTimeout)
	assert.Equal(t, 3, drv.calls())
}

func TestSendWithRetryNeverRetriesForbidden(t *testing.T) {
	sock, _ := newTestSocket(t)
	drv := &fakeDriver{errs: []error{whatsapp.ErrForbidden}}

	_, err := sock.sendWithRetry(context.Background(), drv, "123@g.us", &whatsapp.OutgoingMessage{Text: "oi"})
	assert.ErrorIs(t, err, whatsapp.ErrForbidden)
	assert.Equal(t, 1, drv.calls())
}

func TestSendWithRetryRateLimitWithMentionsFallsBack(t *testing.T) {
	sock, _ := newTestSocket(t)
	drv := &fakeDriver{errs: []error{whatsapp.ErrRateLimited, nil}}

	msg := &whatsapp.OutgoingMessage{
		Text:     "@todos",
		Mentions: []string{"5511999999999@s.whatsapp.net"},
	}
	receipt, err := sock.sendWithRetry(context.Background(), drv, "123@g.us", msg)
	require.NoError(t, err)
	assert.NotNil(t, receipt)

	require.Equal(t, 2, drv.calls())
	assert.NotEmpty(t, drv.sent[0].Mentions)
	assert.Empty(t, drv.sent[1].Mentions, "fallback should strip mentions")
	assert.Equal(t, "@todos", drv.sent[1].Text, "fallback keeps the text")
}

func TestSendWithRetryRateLimitWithoutMentionsFails(t *testing.T) {
	sock, _ := newTestSocket(t)
	drv := &fakeDriver{errs: []error{whatsapp.ErrRateLimited}}

	_, err := sock.sendWithRetry(context.Background(), drv, "123@g.us", &whatsapp.OutgoingMessage{Text: "oi"})
	assert.ErrorIs(t, err, whatsapp.ErrRateLimited)
	assert.Equal(t, 1, drv.calls())
}

// timedDriver registra o instante de cada SendMessage
type timedDriver struct {
	fakeDriver
	mu    sync.Mutex
	times []time.Time
}

func (d *timedDriver) SendMessage(ctx context.Context, toJID string, msg *whatsapp.OutgoingMessage) (*whatsapp.SendReceipt, error) {
	d.mu.Lock()
	d.times = append(d.times, time.Now())
	d.mu.Unlock()
	return d.fakeDriver.SendMessage(ctx, toJID, msg)
}

func TestSendsFromDifferentSessionsShareOneQueue(t *testing.T) {
	const gap = 50 * time.Millisecond

	repo := newFakeRepo()
	bucket := ratebucket.New(gap)
	t.Cleanup(bucket.Close)

	log := logger.SetupForTesting()
	sockA := newSocket("session_a", &session.Session{ID: "session_a", UserID: "a"}, bucket, repo, log)
	sockB := newSocket("session_b", &session.Session{ID: "session_b", UserID: "b"}, bucket, repo, log)

	drv := &timedDriver{}
	msg := &whatsapp.OutgoingMessage{Text: "oi"}

	var wg sync.WaitGroup
	for _, sock := range []*Socket{sockA, sockB} {
		wg.Add(1)
		go func(s *Socket) {
			defer wg.Done()
			_, err := s.enqueueSend(context.Background(), drv, "123@g.us", msg)
			assert.NoError(t, err)
		}(sock)
	}
	wg.Wait()

	// Sessões diferentes na mesma fila: o segundo envio respeita o
	// intervalo mínimo mesmo vindo de outra sessão
	require.Len(t, drv.times, 2)
	delta := drv.times[1].Sub(drv.times[0])
	assert.GreaterOrEqual(t, delta, gap)
}

func TestSendWithoutConnectionFails(t *testing.T) {
	sock, _ := newTestSocket(t)

	_, err := sock.Send(context.Background(), "123@g.us", &whatsapp.OutgoingMessage{Text: "oi"})
	assert.ErrorIs(t, err, session.ErrSessionNotConnected)
}

func TestSocketAuxStateLifecycle(t *testing.T) {
	sock, _ := newTestSocket(t)

	sock.setPairingCode("ABCD-1234")
	assert.Equal(t, "ABCD-1234", sock.PairingCode())

	before := sock.lastActivity()
	time.Sleep(2 * time.Millisecond)
	sock.touchActivity()
	assert.True(t, sock.lastActivity().After(before))

	sock.dropAuxState()
	assert.Empty(t, sock.PairingCode())
}
