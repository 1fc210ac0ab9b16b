package authstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexusbot/pkg/logger"
)

type fakeBackupRepo struct {
	mu      sync.Mutex
	files   map[string]map[string][]byte
	pingErr error
	deletes int
}

func newFakeBackupRepo() *fakeBackupRepo {
	return &fakeBackupRepo{files: make(map[string]map[string][]byte)}
}

func (r *fakeBackupRepo) Upsert(ctx context.Context, sessionID, fileName string, content []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.files[sessionID] == nil {
		r.files[sessionID] = make(map[string][]byte)
	}
	r.files[sessionID][fileName] = content
	return nil
}

func (r *fakeBackupRepo) Delete(ctx context.Context, sessionID, fileName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files[sessionID], fileName)
	r.deletes++
	return nil
}

func (r *fakeBackupRepo) Get(ctx context.Context, sessionID, fileName string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.files[sessionID][fileName], nil
}

func (r *fakeBackupRepo) ListFiles(ctx context.Context, sessionID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name := range r.files[sessionID] {
		names = append(names, name)
	}
	return names, nil
}

func (r *fakeBackupRepo) DeleteAll(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, sessionID)
	return nil
}

func (r *fakeBackupRepo) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pingErr
}

func (r *fakeBackupRepo) get(sessionID, fileName string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.files[sessionID][fileName]
}

func validCreds() Creds {
	return Creds{
		"noiseKey":          json.RawMessage(`{"type":"Buffer","data":"bm9pc2U="}`),
		"signedIdentityKey": json.RawMessage(`{"type":"Buffer","data":"aWRlbnQ="}`),
		"me":                json.RawMessage(`{"id":"5511999999999@s.whatsapp.net"}`),
		"account":           json.RawMessage(`{"details":"x"}`),
		"registered":        json.RawMessage(`true`),
	}
}

func newTestStore(t *testing.T, repo BackupRepository) *Store {
	t.Helper()
	s := NewStore(Options{BaseDir: t.TempDir(), FileMode: true}, repo, logger.SetupForTesting())
	t.Cleanup(s.Close)
	return s
}

func TestOpenFreshSessionStartsPairing(t *testing.T) {
	s := newTestStore(t, nil)

	h, err := s.Open(context.Background(), "session_1")
	require.NoError(t, err)

	assert.True(t, h.PairingInProgress())
	assert.False(t, h.Creds().Registered())
	assert.False(t, s.HasValid("session_1"))
}

func TestSaveCredsValidation(t *testing.T) {
	s := newTestStore(t, nil)
	h, err := s.Open(context.Background(), "session_1")
	require.NoError(t, err)

	// Durante o pareamento o estado parcial é aceito
	require.NoError(t, h.SaveCreds(FreshCreds()))

	// Fora do pareamento a escrita parcial é rejeitada
	h.SetPairingInProgress(false)
	err = h.SaveCreds(FreshCreds())
	assert.ErrorIs(t, err, ErrInvalidCreds)

	// Credenciais completas passam
	require.NoError(t, h.SaveCreds(validCreds()))
	assert.True(t, s.HasValid("session_1"))
}

func TestSaveCredsRejectsMissingField(t *testing.T) {
	s := newTestStore(t, nil)
	h, err := s.Open(context.Background(), "session_1")
	require.NoError(t, err)
	h.SetPairingInProgress(false)

	creds := validCreds()
	delete(creds, "noiseKey")
	assert.ErrorIs(t, h.SaveCreds(creds), ErrInvalidCreds)

	creds = validCreds()
	creds["registered"] = json.RawMessage(`false`)
	assert.ErrorIs(t, h.SaveCreds(creds), ErrInvalidCreds)
}

func TestReopenYieldsEquivalentCreds(t *testing.T) {
	s := newTestStore(t, nil)
	h, err := s.Open(context.Background(), "session_1")
	require.NoError(t, err)

	want := validCreds()
	require.NoError(t, h.SaveCreds(want))
	h.Close()

	h2, err := s.Open(context.Background(), "session_1")
	require.NoError(t, err)
	assert.False(t, h2.PairingInProgress())
	assert.Equal(t, want, h2.Creds())
}

func TestSetAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t, nil)
	h, err := s.Open(context.Background(), "session_1")
	require.NoError(t, err)

	value := json.RawMessage(`{"record":"abc"}`)
	require.NoError(t, h.Set(Updates{
		KindSession: {"5511@s.whatsapp.net.0": value},
	}))

	got, err := h.Get(KindSession, []string{"5511@s.whatsapp.net.0", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, value, got["5511@s.whatsapp.net.0"])
}

func TestSetDeleteRemovesRecord(t *testing.T) {
	s := newTestStore(t, nil)
	h, err := s.Open(context.Background(), "session_1")
	require.NoError(t, err)

	require.NoError(t, h.Set(Updates{KindSenderKey: {"g1": json.RawMessage(`1`)}}))
	require.NoError(t, h.Set(Updates{KindSenderKey: {"g1": nil}}))

	got, err := h.Get(KindSenderKey, []string{"g1"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPreKeyWritesAreDebounced(t *testing.T) {
	s := newTestStore(t, nil)
	h, err := s.Open(context.Background(), "session_1")
	require.NoError(t, err)

	// Rajada no mesmo pre-key colapsa na última versão
	for i := 0; i < 5; i++ {
		value := json.RawMessage(fmt.Sprintf(`{"v":%d}`, i))
		require.NoError(t, h.Set(Updates{KindPreKey: {"7": value}}))
	}

	// Antes do flush a leitura já enxerga a versão pendente
	got, err := h.Get(KindPreKey, []string{"7"})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"v":4}`), got["7"])

	// Ainda não está em disco
	path := filepath.Join(h.dir, RecordFileName(KindPreKey, "7"))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	// Após a janela o arquivo materializa
	assert.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestCloseFlushesPendingPreKeys(t *testing.T) {
	s := newTestStore(t, nil)
	h, err := s.Open(context.Background(), "session_1")
	require.NoError(t, err)

	require.NoError(t, h.Set(Updates{KindPreKey: {"9": json.RawMessage(`{"v":9}`)}}))
	dir := h.dir
	h.Close()

	data, err := os.ReadFile(filepath.Join(dir, RecordFileName(KindPreKey, "9")))
	require.NoError(t, err)
	assert.Equal(t, `{"v":9}`, string(data))

	assert.ErrorIs(t, h.SaveCreds(validCreds()), ErrHandleClosed)
}

func TestCleanupPurgesBothTiers(t *testing.T) {
	repo := newFakeBackupRepo()
	s := newTestStore(t, repo)

	h, err := s.Open(context.Background(), "session_1")
	require.NoError(t, err)
	require.NoError(t, h.SaveCreds(validCreds()))

	// Aguarda o backup fire-and-forget aterrissar
	require.Eventually(t, func() bool {
		return repo.get("session_1", CredsFileName) != nil
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Cleanup(context.Background(), "session_1"))

	assert.False(t, s.HasValid("session_1"))
	assert.Nil(t, repo.get("session_1", CredsFileName))
}

func TestInitialSyncRestoresEmptyDir(t *testing.T) {
	repo := newFakeBackupRepo()
	credsData, err := json.Marshal(validCreds())
	require.NoError(t, err)
	require.NoError(t, repo.Upsert(context.Background(), "session_1", CredsFileName, credsData))
	require.NoError(t, repo.Upsert(context.Background(), "session_1", RecordFileName(KindSession, "a.0"), []byte(`{"s":1}`)))

	s := newTestStore(t, repo)
	h, err := s.Open(context.Background(), "session_1")
	require.NoError(t, err)

	// Diretório vazio foi restaurado do secundário
	assert.False(t, h.PairingInProgress())
	assert.True(t, h.Creds().Registered())

	got, err := h.Get(KindSession, []string{"a.0"})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"s":1}`), got["a.0"])
}

func TestInitialSyncSkippedWhenDirHasFiles(t *testing.T) {
	repo := newFakeBackupRepo()
	require.NoError(t, repo.Upsert(context.Background(), "session_1", CredsFileName, []byte(`{"registered":true}`)))

	s := newTestStore(t, repo)

	// Semeia o diretório local com creds frescas
	dir := s.sessionDir("session_1")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	local, err := json.Marshal(FreshCreds())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, CredsFileName), local, 0o600))

	h, err := s.Open(context.Background(), "session_1")
	require.NoError(t, err)

	// O arquivo local venceu; o secundário não foi consultado
	assert.False(t, h.Creds().Registered())
}

func TestBackupSuppressesPreKeysWhenUnhealthy(t *testing.T) {
	repo := newFakeBackupRepo()
	q := newBackupQueue(repo, true, logger.SetupForTesting())
	defer q.Stop()

	// Três strikes marcam o secundário como insalubre
	for i := 0; i < backupMaxStrikes; i++ {
		q.recordStrike()
	}
	require.False(t, q.Healthy())

	q.Enqueue(backupTask{sessionID: "s", fileName: RecordFileName(KindPreKey, "1"), content: []byte(`1`), preKey: true})
	q.Enqueue(backupTask{sessionID: "s", fileName: CredsFileName, content: []byte(`{}`)})

	// Creds continua backupando; pre-key é suprimido
	require.Eventually(t, func() bool {
		return repo.get("s", CredsFileName) != nil
	}, time.Second, 10*time.Millisecond)
	assert.Nil(t, repo.get("s", RecordFileName(KindPreKey, "1")))

	// Probe bem-sucedido restaura a saúde
	q.probe()
	assert.True(t, q.Healthy())
}
