package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/observability"
)

// BatchConfig tunes the background delivery loop shared by publishers.
type BatchConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
}

// DefaultBatchConfig returns sensible defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BufferSize:    1024,
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
		SendTimeout:   10 * time.Second,
	}
}

// sendFunc delivers one batch.
type sendFunc func(ctx context.Context, batch []*ThreatNotice) error

// batcher owns a buffered queue and a single delivery goroutine.
type batcher struct {
	name    string
	config  BatchConfig
	send    sendFunc
	queue   chan *ThreatNotice
	logger  *zap.Logger
	metrics *observability.Metrics

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

func newBatcher(name string, cfg BatchConfig, send sendFunc, logger *zap.Logger, metrics *observability.Metrics) *batcher {
	def := DefaultBatchConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &batcher{
		name:    name,
		config:  cfg,
		send:    send,
		queue:   make(chan *ThreatNotice, cfg.BufferSize),
		logger:  logger,
		metrics: metrics,
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

// enqueue never blocks. It reports whether the notice was accepted.
func (b *batcher) enqueue(n *ThreatNotice) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.metrics.ObserveNotification(b.name, false)
		return false
	}

	select {
	case b.queue <- n:
		return true
	default:
		b.metrics.ObserveNotification(b.name, false)
		b.logger.Warn("Notification buffer full, dropping notice",
			zap.String("publisher", b.name),
			zap.Int64("event_id", n.EventID),
		)
		return false
	}
}

func (b *batcher) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*ThreatNotice, 0, b.config.BatchSize)
	for {
		select {
		case n, ok := <-b.queue:
			if !ok {
				b.flush(batch)
				return
			}
			batch = append(batch, n)
			if len(batch) >= b.config.BatchSize {
				b.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (b *batcher) flush(batch []*ThreatNotice) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.SendTimeout)
	defer cancel()

	if err := b.send(ctx, batch); err != nil {
		b.logger.Error("Failed to deliver notices",
			zap.String("publisher", b.name),
			zap.Int("count", len(batch)),
			zap.Error(err),
		)
		for range batch {
			b.metrics.ObserveNotification(b.name, false)
		}
		return
	}
	for range batch {
		b.metrics.ObserveNotification(b.name, true)
	}
}

// close stops accepting notices, drains the queue and waits for delivery.
func (b *batcher) close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()
	})
	<-b.done
}
