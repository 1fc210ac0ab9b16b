package authstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"nexusbot/pkg/logger"
)

const initialSyncConcurrency = 90

// Options configura o armazenamento de credenciais
type Options struct {
	// BaseDir é a raiz do tier primário; cada sessão vive em um subdiretório
	BaseDir string
	// FileMode ativa a supressão de backup de pre-keys quando o
	// secundário está insalubre
	FileMode bool
}

// Store é o armazenamento dual-tier de credenciais e material de chave.
// O tier primário (arquivos) é autoritativo; o secundário recebe backups
// assíncronos e só é lido no sync inicial após perda de disco.
type Store struct {
	opts    Options
	repo    BackupRepository
	backups *backupQueue
	log     logger.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewStore cria o armazenamento; repo pode ser nil (sem tier secundário)
func NewStore(opts Options, repo BackupRepository, log logger.Logger) *Store {
	s := &Store{
		opts:    opts,
		repo:    repo,
		log:     log.WithComponent("auth-store"),
		handles: make(map[string]*Handle),
	}
	if repo != nil {
		s.backups = newBackupQueue(repo, opts.FileMode, log)
	}
	return s
}

// Open carrega as credenciais da sessão, criando o estado inicial quando
// não existem. Dispara o sync inicial do secundário se o diretório local
// está vazio (recuperação pós perda de disco).
func (s *Store) Open(ctx context.Context, sessionID string) (*Handle, error) {
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", ErrLocalIO, dir, err)
	}

	if s.repo != nil && dirIsEmpty(dir) {
		if err := s.initialSync(ctx, sessionID, dir); err != nil {
			s.log.WithError(err).Warn().Str("sessionId", sessionID).Msg("Initial auth sync from secondary failed")
		}
	}

	creds, fresh, err := s.loadCreds(dir)
	if err != nil {
		return nil, err
	}

	h := newHandle(s, sessionID, dir, creds)
	if fresh {
		// Sem credenciais prévias a sessão nasce em pareamento, o que
		// libera a primeira escrita parcial de creds
		h.SetPairingInProgress(true)
	}

	s.mu.Lock()
	s.handles[sessionID] = h
	s.mu.Unlock()

	s.log.Debug().Str("sessionId", sessionID).Bool("fresh", fresh).Msg("Auth handle opened")
	return h, nil
}

// HasValid informa se a sessão tem credenciais completas persistidas
func (s *Store) HasValid(sessionID string) bool {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), CredsFileName))
	if err != nil {
		return false
	}
	var creds Creds
	if err := json.Unmarshal(data, &creds); err != nil {
		return false
	}
	return creds.Validate(false) == nil
}

// Cleanup remove todo o material da sessão nos dois tiers
func (s *Store) Cleanup(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if h, ok := s.handles[sessionID]; ok {
		delete(s.handles, sessionID)
		s.mu.Unlock()
		h.Close()
	} else {
		s.mu.Unlock()
	}

	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("%w: cleanup %s: %v", ErrLocalIO, sessionID, err)
	}

	if s.repo != nil {
		if err := s.repo.DeleteAll(ctx, sessionID); err != nil {
			s.log.WithError(err).Warn().Str("sessionId", sessionID).Msg("Failed to purge secondary auth records")
		}
	}

	s.log.Info().Str("sessionId", sessionID).Msg("Auth material removed")
	return nil
}

// BackupHealthy informa a saúde do tier secundário
func (s *Store) BackupHealthy() bool {
	if s.backups == nil {
		return false
	}
	return s.backups.Healthy()
}

// Close encerra a fila de backup e fecha os handles abertos
func (s *Store) Close() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[string]*Handle)
	s.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	if s.backups != nil {
		s.backups.Stop()
	}
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.opts.BaseDir, sanitizeID(sessionID))
}

// loadCreds lê o creds.json local; fresh=true quando não existe
func (s *Store) loadCreds(dir string) (Creds, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, CredsFileName))
	if os.IsNotExist(err) {
		return FreshCreds(), true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: read creds: %v", ErrLocalIO, err)
	}

	var creds Creds
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, false, fmt.Errorf("%w: corrupt creds: %v", ErrLocalIO, err)
	}
	return creds, false, nil
}

// initialSync restaura o diretório local a partir do secundário com
// leituras paralelas limitadas
func (s *Store) initialSync(ctx context.Context, sessionID, dir string) error {
	files, err := s.repo.ListFiles(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	s.log.Info().Str("sessionId", sessionID).Int("files", len(files)).Msg("Restoring auth material from secondary")

	sem := make(chan struct{}, initialSyncConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, fileName := range files {
		wg.Add(1)
		sem <- struct{}{}
		go func(fileName string) {
			defer wg.Done()
			defer func() { <-sem }()

			content, err := s.repo.Get(ctx, sessionID, fileName)
			if err == nil {
				err = writeFileAtomic(filepath.Join(dir, fileName), content)
			}
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(fileName)
	}
	wg.Wait()
	return firstErr
}

func dirIsEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) == 0
}

// writeFileAtomic grava via arquivo temporário + rename para nunca deixar
// um registro parcialmente escrito
func writeFileAtomic(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrLocalIO, path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", ErrLocalIO, path, err)
	}
	return nil
}
