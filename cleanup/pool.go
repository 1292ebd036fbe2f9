// Package cleanup removes uploaded files once the tasks referencing them are
// gone. Cleanup is best effort: failures are logged and never retried.
package cleanup

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Sink performs the removal of a batch of files.
type Sink interface {
	Remove(ctx context.Context, files []string) error
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Workers int
	Buffer  int
	Timeout time.Duration
	Handoff time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Handoff < 0 {
		c.Handoff = 0
	}
	return c
}

type job struct {
	files []string
}

// Pool runs cleanup off the request path on a fixed set of workers.
type Pool struct {
	sink Sink
	cfg  PoolConfig
	log  *log.Logger

	mu     sync.RWMutex
	jobs   chan job
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts the workers.
func NewPool(sink Sink, cfg PoolConfig, logger *log.Logger) *Pool {
	if logger == nil {
		panic("Logger is not initialized")
	}
	cfg = cfg.withDefaults()
	p := &Pool{sink: sink, cfg: cfg, log: logger, jobs: make(chan job, cfg.Buffer)}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Infof("cleanup pool started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.Timeout, cfg.Handoff)
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
		err := p.sink.Remove(ctx, j.files)
		cancel()
		if err != nil {
			p.log.Errorf("file cleanup failed, err: %v, count: %d, worker: %d", err, len(j.files), id)
		}
	}
}

// Schedule hands the files to a worker. When the buffer stays full past the
// handoff timeout the batch is dropped and logged.
func (p *Pool) Schedule(files []string) bool {
	if len(files) == 0 {
		return true
	}
	j := job{files: append([]string(nil), files...)}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.log.Warnf("cleanup pool closed, dropping %d files", len(files))
		return false
	}
	select {
	case p.jobs <- j:
		return true
	default:
	}
	if p.cfg.Handoff > 0 {
		timer := time.NewTimer(p.cfg.Handoff)
		defer timer.Stop()
		select {
		case p.jobs <- j:
			return true
		case <-timer.C:
		}
	}
	p.log.Warnf("cleanup buffer full, dropping %d files", len(files))
	return false
}

// Close stops accepting work and waits for queued batches to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
