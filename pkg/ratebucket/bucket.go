package ratebucket

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed indica operação sobre um bucket já encerrado
var ErrClosed = errors.New("ratebucket: closed")

// ErrQueueFull indica fila cheia para a classe de operação
var ErrQueueFull = errors.New("ratebucket: queue full")

const defaultQueueCap = 1024

// Bucket serializa operações por classe com um intervalo mínimo entre
// execuções. Todas as operações de uma classe passam por uma única FIFO,
// absorvendo rajadas sem estourar rate limits remotos.
type Bucket struct {
	gap      time.Duration
	queueCap int

	mu      sync.Mutex
	classes map[string]*classQueue
	closed  bool
}

type classQueue struct {
	tasks chan *task
}

type task struct {
	ctx context.Context
	fn  func() error
	res chan error
}

// New cria um bucket com o intervalo mínimo informado entre operações
// da mesma classe
func New(gap time.Duration) *Bucket {
	return &Bucket{
		gap:      gap,
		queueCap: defaultQueueCap,
		classes:  make(map[string]*classQueue),
	}
}

// Do enfileira fn na FIFO da classe e bloqueia até a execução terminar,
// o contexto expirar ou o bucket fechar. A ordem de execução dentro de
// uma classe é a ordem de chegada.
func (b *Bucket) Do(ctx context.Context, class string, fn func() error) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	q, ok := b.classes[class]
	if !ok {
		q = &classQueue{tasks: make(chan *task, b.queueCap)}
		b.classes[class] = q
		go b.run(q)
	}
	b.mu.Unlock()

	t := &task{ctx: ctx, fn: fn, res: make(chan error, 1)}
	select {
	case q.tasks <- t:
	default:
		return ErrQueueFull
	}

	select {
	case err := <-t.res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run é o worker serial de uma classe
func (b *Bucket) run(q *classQueue) {
	var last time.Time
	for t := range q.tasks {
		if !last.IsZero() {
			wait := b.gap - time.Since(last)
			if wait > 0 {
				time.Sleep(wait)
			}
		}

		// Tarefas canceladas enquanto esperavam na fila não executam
		if err := t.ctx.Err(); err != nil {
			t.res <- err
			continue
		}

		t.res <- t.fn()
		last = time.Now()
	}
}

// Close encerra todas as filas; tarefas já enfileiradas ainda executam
func (b *Bucket) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, q := range b.classes {
		close(q.tasks)
	}
}
