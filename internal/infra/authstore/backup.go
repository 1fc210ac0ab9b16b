package authstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nexusbot/pkg/logger"
)

// BackupRepository é o tier secundário de persistência, chaveado por
// (sessionId, fileName). Nunca lido no caminho quente; alvo de backup
// fire-and-forget e fonte do sync inicial após perda de disco.
type BackupRepository interface {
	Upsert(ctx context.Context, sessionID, fileName string, content []byte) error
	Delete(ctx context.Context, sessionID, fileName string) error
	Get(ctx context.Context, sessionID, fileName string) ([]byte, error)
	ListFiles(ctx context.Context, sessionID string) ([]string, error)
	DeleteAll(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
}

const (
	backupBatchSize   = 90
	backupBatchGap    = 20 * time.Millisecond
	backupOpTimeout   = 3 * time.Second
	backupProbePeriod = 60 * time.Second
	backupMaxStrikes  = 3
	backupQueueBuffer = 2048
)

type backupTask struct {
	sessionID string
	fileName  string
	// content nil significa deleção
	content []byte
	preKey  bool
}

// backupQueue despacha escritas ao tier secundário em lotes, com probe
// de saúde periódico. Em modo arquivo, backups de pre-key são suprimidos
// enquanto o secundário está insalubre.
type backupQueue struct {
	repo     BackupRepository
	log      logger.Logger
	fileMode bool

	tasks   chan backupTask
	healthy atomic.Bool
	strikes atomic.Int32

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newBackupQueue(repo BackupRepository, fileMode bool, log logger.Logger) *backupQueue {
	q := &backupQueue{
		repo:     repo,
		log:      log.WithComponent("auth-backup"),
		fileMode: fileMode,
		tasks:    make(chan backupTask, backupQueueBuffer),
		stopCh:   make(chan struct{}),
	}
	q.healthy.Store(true)
	q.wg.Add(2)
	go q.drainLoop()
	go q.probeLoop()
	return q
}

// Enqueue agenda um backup; nunca bloqueia o caminho de escrita primário.
// Fila cheia descarta a tarefa mais nova com log de aviso.
func (q *backupQueue) Enqueue(task backupTask) {
	if q.fileMode && task.preKey && !q.healthy.Load() {
		return
	}
	select {
	case q.tasks <- task:
	default:
		q.log.Warn().
			Str("sessionId", task.sessionID).
			Str("file", task.fileName).
			Msg("Backup queue full, dropping task")
	}
}

// Healthy informa o estado atual do tier secundário
func (q *backupQueue) Healthy() bool {
	return q.healthy.Load()
}

// Stop encerra o worker e o probe; tarefas pendentes são descartadas
func (q *backupQueue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})
	q.wg.Wait()
}

func (q *backupQueue) drainLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case first := <-q.tasks:
			batch := q.collectBatch(first)
			q.flushBatch(batch)

			select {
			case <-q.stopCh:
				return
			case <-time.After(backupBatchGap):
			}
		}
	}
}

// collectBatch agrega tarefas já enfileiradas até o limite do lote
func (q *backupQueue) collectBatch(first backupTask) []backupTask {
	batch := []backupTask{first}
	for len(batch) < backupBatchSize {
		select {
		case task := <-q.tasks:
			batch = append(batch, task)
		default:
			return batch
		}
	}
	return batch
}

func (q *backupQueue) flushBatch(batch []backupTask) {
	ctx, cancel := context.WithTimeout(context.Background(), backupOpTimeout)
	defer cancel()

	// Id de correlação do lote nos logs
	batchID := uuid.NewString()[:8]

	failed := 0
	for _, task := range batch {
		var err error
		if task.content == nil {
			err = q.repo.Delete(ctx, task.sessionID, task.fileName)
		} else {
			err = q.repo.Upsert(ctx, task.sessionID, task.fileName, task.content)
		}
		if err != nil {
			failed++
			if ctx.Err() != nil {
				q.recordStrike()
				q.log.Warn().Str("batchId", batchID).Int("remaining", len(batch)-failed).Msg("Backup batch timed out")
				return
			}
		}
	}

	if failed > 0 {
		q.log.Warn().Str("batchId", batchID).Int("failed", failed).Int("batch", len(batch)).Msg("Backup batch completed with failures")
	} else {
		q.resetStrikes()
	}
}

func (q *backupQueue) probeLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(backupProbePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.probe()
		}
	}
}

func (q *backupQueue) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), backupOpTimeout)
	defer cancel()

	if err := q.repo.Ping(ctx); err != nil {
		q.recordStrike()
		return
	}
	q.resetStrikes()
}

func (q *backupQueue) recordStrike() {
	strikes := q.strikes.Add(1)
	if strikes >= backupMaxStrikes && q.healthy.Swap(false) {
		q.log.Error().Int32("strikes", strikes).Msg("Secondary auth storage marked unhealthy")
	}
}

func (q *backupQueue) resetStrikes() {
	q.strikes.Store(0)
	if !q.healthy.Swap(true) {
		q.log.Info().Msg("Secondary auth storage recovered")
	}
}
