package authstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const preKeyDebounce = 50 * time.Millisecond

// Updates descreve um upsert/delete em lote de material de chave:
// kind → id → valor, onde valor nil significa deleção
type Updates map[string]map[string]json.RawMessage

type pendingWrite struct {
	timer   *time.Timer
	content []byte
	delete  bool
}

// Handle é a visão de uma sessão sobre o armazenamento: leituras
// paralelas, escritas em lote com debounce de pre-keys e escrita de
// creds estritamente serial.
type Handle struct {
	store     *Store
	sessionID string
	dir       string

	credsMu sync.Mutex
	creds   Creds

	pairing atomic.Bool
	closed  atomic.Bool

	debounceMu sync.Mutex
	pending    map[string]*pendingWrite
}

func newHandle(store *Store, sessionID, dir string, creds Creds) *Handle {
	return &Handle{
		store:     store,
		sessionID: sessionID,
		dir:       dir,
		creds:     creds,
		pending:   make(map[string]*pendingWrite),
	}
}

// SessionID retorna a sessão dona do handle
func (h *Handle) SessionID() string {
	return h.sessionID
}

// Creds retorna uma cópia das credenciais em memória
func (h *Handle) Creds() Creds {
	h.credsMu.Lock()
	defer h.credsMu.Unlock()

	out := make(Creds, len(h.creds))
	for k, v := range h.creds {
		out[k] = v
	}
	return out
}

// SetPairingInProgress liga/desliga a isenção de validação de creds
// usada durante o pareamento
func (h *Handle) SetPairingInProgress(on bool) {
	h.pairing.Store(on)
}

// PairingInProgress informa se a isenção está ativa
func (h *Handle) PairingInProgress() bool {
	return h.pairing.Load()
}

// Get lê material de chave em paralelo; ids ausentes ficam fora do mapa
func (h *Handle) Get(kind string, ids []string) (map[string]json.RawMessage, error) {
	if h.closed.Load() {
		return nil, ErrHandleClosed
	}

	out := make(map[string]json.RawMessage, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			fileName := RecordFileName(kind, id)
			if content, ok := h.pendingContent(fileName); ok {
				if content != nil {
					mu.Lock()
					out[id] = content
					mu.Unlock()
				}
				return
			}

			data, err := os.ReadFile(filepath.Join(h.dir, fileName))
			if err != nil {
				return
			}
			mu.Lock()
			out[id] = data
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return out, nil
}

// Set aplica um lote de upserts/deleções. Pre-keys passam pela janela de
// debounce; os demais registros são gravados imediatamente.
func (h *Handle) Set(updates Updates) error {
	if h.closed.Load() {
		return ErrHandleClosed
	}

	for kind, records := range updates {
		for id, value := range records {
			fileName := RecordFileName(kind, id)
			if kind == KindPreKey {
				h.debounce(fileName, value)
				continue
			}
			if err := h.writeRecord(fileName, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// SaveCreds valida e persiste as credenciais; no máximo uma escrita em
// voo por sessão
func (h *Handle) SaveCreds(creds Creds) error {
	if h.closed.Load() {
		return ErrHandleClosed
	}

	h.credsMu.Lock()
	defer h.credsMu.Unlock()

	if err := creds.Validate(h.pairing.Load()); err != nil {
		h.store.log.WithError(err).Warn().Str("sessionId", h.sessionID).Msg("Rejected creds write")
		return err
	}

	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("%w: marshal creds: %v", ErrInvalidCreds, err)
	}
	if err := writeFileAtomic(filepath.Join(h.dir, CredsFileName), data); err != nil {
		return err
	}

	h.creds = creds
	h.enqueueBackup(CredsFileName, data, false)
	return nil
}

// Close cancela os timers de debounce e descarrega as escritas pendentes
func (h *Handle) Close() {
	if h.closed.Swap(true) {
		return
	}

	h.debounceMu.Lock()
	pending := h.pending
	h.pending = make(map[string]*pendingWrite)
	h.debounceMu.Unlock()

	for fileName, pw := range pending {
		pw.timer.Stop()
		h.flushPending(fileName, pw)
	}

	h.store.mu.Lock()
	if h.store.handles[h.sessionID] == h {
		delete(h.store.handles, h.sessionID)
	}
	h.store.mu.Unlock()
}

// debounce agenda a escrita de um pre-key; rajadas no mesmo arquivo
// dentro da janela colapsam na última versão
func (h *Handle) debounce(fileName string, value json.RawMessage) {
	h.debounceMu.Lock()
	defer h.debounceMu.Unlock()

	if pw, ok := h.pending[fileName]; ok {
		pw.content = value
		pw.delete = value == nil
		pw.timer.Reset(preKeyDebounce)
		return
	}

	pw := &pendingWrite{content: value, delete: value == nil}
	pw.timer = time.AfterFunc(preKeyDebounce, func() {
		h.debounceMu.Lock()
		current, ok := h.pending[fileName]
		if ok && current == pw {
			delete(h.pending, fileName)
		}
		h.debounceMu.Unlock()
		if ok && current == pw {
			h.flushPending(fileName, pw)
		}
	})
	h.pending[fileName] = pw
}

func (h *Handle) flushPending(fileName string, pw *pendingWrite) {
	var value json.RawMessage
	if !pw.delete {
		value = pw.content
	}
	if err := h.writeRecord(fileName, value); err != nil {
		h.store.log.WithError(err).Error().
			Str("sessionId", h.sessionID).
			Str("file", fileName).
			Msg("Failed to flush debounced key write")
	}
}

// pendingContent espia a janela de debounce para que leituras vejam a
// escrita mais recente mesmo antes do flush
func (h *Handle) pendingContent(fileName string) (json.RawMessage, bool) {
	h.debounceMu.Lock()
	defer h.debounceMu.Unlock()

	pw, ok := h.pending[fileName]
	if !ok {
		return nil, false
	}
	if pw.delete {
		return nil, true
	}
	return pw.content, true
}

// writeRecord grava ou remove um registro e enfileira o backup
func (h *Handle) writeRecord(fileName string, value json.RawMessage) error {
	path := filepath.Join(h.dir, fileName)

	if value == nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: remove %s: %v", ErrLocalIO, fileName, err)
		}
		h.enqueueBackup(fileName, nil, isPreKeyFile(fileName))
		return nil
	}

	if err := writeFileAtomic(path, value); err != nil {
		return err
	}
	h.enqueueBackup(fileName, value, isPreKeyFile(fileName))
	return nil
}

func (h *Handle) enqueueBackup(fileName string, content []byte, preKey bool) {
	if h.store.backups == nil {
		return
	}
	h.store.backups.Enqueue(backupTask{
		sessionID: h.sessionID,
		fileName:  fileName,
		content:   content,
		preKey:    preKey,
	})
}
