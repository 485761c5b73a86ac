package db

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// #region batcher
// Batcher queues items on a buffered channel and hands them to a write
// function in batches: when a batch fills, on every tick, on Flush and on
// Close. Items sent after Close are refused.
type Batcher[T any] struct {
	write func([]T)
	size  int
	every time.Duration

	ch       chan T
	flushReq chan chan struct{}
	done     chan struct{}

	closeMu sync.RWMutex
	closed  bool
}

// NewBatcher starts the flush loop.
func NewBatcher[T any](buffer, size int, every time.Duration, write func([]T)) *Batcher[T] {
	if buffer <= 0 {
		buffer = 256
	}
	if size <= 0 {
		size = 64
	}
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	b := &Batcher[T]{
		write:    write,
		size:     size,
		every:    every,
		ch:       make(chan T, buffer),
		flushReq: make(chan chan struct{}),
		done:     make(chan struct{}),
	}
	go b.loop()
	return b
}

// Send queues v, waiting while the buffer is full. It reports false once the
// batcher is closed.
func (b *Batcher[T]) Send(v T) bool {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return false
	}
	b.ch <- v
	return true
}

// TrySend queues v only if there is room.
func (b *Batcher[T]) TrySend(v T) bool {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.ch <- v:
		return true
	default:
		return false
	}
}

// Flush blocks until every queued item has been written.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case b.flushReq <- ack:
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes what is queued and stops the loop.
func (b *Batcher[T]) Close() error {
	b.closeMu.Lock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	b.closeMu.Unlock()
	<-b.done
	return nil
}

func (b *Batcher[T]) loop() {
	defer close(b.done)
	batch := make([]T, 0, b.size)
	ticker := time.NewTicker(b.every)
	defer ticker.Stop()

	emit := func() {
		if len(batch) > 0 {
			b.write(batch)
			batch = batch[:0]
		}
	}
	for {
		select {
		case v, ok := <-b.ch:
			if !ok {
				emit()
				return
			}
			batch = append(batch, v)
			if len(batch) >= b.size {
				emit()
			}
		case ack := <-b.flushReq:
		drain:
			for {
				select {
				case v, ok := <-b.ch:
					if !ok {
						break drain
					}
					batch = append(batch, v)
					if len(batch) >= b.size {
						emit()
					}
				default:
					break drain
				}
			}
			emit()
			close(ack)
		case <-ticker.C:
			emit()
		}
	}
}

// #endregion batcher

// #region appender
// Row is one INSERT destined for an append-only table.
type Row struct {
	Query string
	Args  []interface{}
}

// Appender writes append-only rows asynchronously in batched transactions.
// Append never blocks the caller; when the buffer is full the row is
// dropped and counted.
type Appender struct {
	sqlDB *sql.DB
	log   *slog.Logger
	rows  *Batcher[Row]

	mu      sync.Mutex
	dropped int64
}

// NewAppender starts the flush loop. name labels log lines.
func NewAppender(sqlDB *sql.DB, name string, buffer int, log *slog.Logger) *Appender {
	if log == nil {
		log = slog.Default()
	}
	a := &Appender{sqlDB: sqlDB, log: log.With("appender", name)}
	a.rows = NewBatcher(buffer, 64, 500*time.Millisecond, a.write)
	return a
}

// Append queues a row.
func (a *Appender) Append(r Row) {
	if a.rows.TrySend(r) {
		return
	}
	a.mu.Lock()
	a.dropped++
	a.mu.Unlock()
	a.log.Warn("append buffer full or closed, dropping row")
}

// Dropped reports how many rows were discarded on a full buffer.
func (a *Appender) Dropped() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Flush blocks until every queued row is committed.
func (a *Appender) Flush(ctx context.Context) error { return a.rows.Flush(ctx) }

// Close drains the buffer and stops the loop.
func (a *Appender) Close() error { return a.rows.Close() }

func (a *Appender) write(batch []Row) {
	tx, err := a.sqlDB.Begin()
	if err != nil {
		a.log.Error("begin tx", "error", err)
		return
	}
	defer tx.Rollback()
	for _, r := range batch {
		if _, err := tx.Exec(r.Query, r.Args...); err != nil {
			a.log.Error("append row", "error", err)
		}
	}
	if err := tx.Commit(); err != nil {
		a.log.Error("commit batch", "error", err, "rows", len(batch))
	}
}

// #endregion appender
