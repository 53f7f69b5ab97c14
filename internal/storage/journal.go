package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLaserCore/internal/console"
	"github.com/KevinKickass/OpenLaserCore/internal/recovery"
)

const (
	journalBatchSize     = 200
	journalFlushInterval = 500 * time.Millisecond
	journalWriteTimeout  = 5 * time.Second
)

// JournalStore is implemented by PostgresClient.
type JournalStore interface {
	InsertMessages(ctx context.Context, msgs []console.Message) error
	InsertAction(ctx context.Context, rec recovery.ActionRecord) error
}

// Journal writes console messages and recovery actions in the background.
// Record calls never block; when the buffer is full entries are dropped
// and counted.
type Journal struct {
	store   JournalStore
	logger  *zap.Logger
	msgs    chan console.Message
	actions chan recovery.ActionRecord

	dropped atomic.Uint64
	written atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func NewJournal(store JournalStore, buffer int, logger *zap.Logger) *Journal {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Journal{
		store:   store,
		logger:  logger.Named("journal"),
		msgs:    make(chan console.Message, buffer),
		actions: make(chan recovery.ActionRecord, buffer/4+1),
		stop:    make(chan struct{}),
	}
}

func (j *Journal) RecordMessage(m console.Message) {
	select {
	case j.msgs <- m:
	default:
		j.dropped.Add(1)
	}
}

func (j *Journal) RecordAction(rec recovery.ActionRecord) {
	select {
	case j.actions <- rec:
	default:
		j.dropped.Add(1)
	}
}

func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

func (j *Journal) Written() uint64 { return j.written.Load() }

func (j *Journal) Start() {
	j.startOnce.Do(func() {
		j.wg.Add(1)
		go j.run()
		j.logger.Info("Journal started")
	})
}

// Stop flushes what is buffered and waits for the writer.
func (j *Journal) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
	j.wg.Wait()
}

func (j *Journal) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(journalFlushInterval)
	defer ticker.Stop()

	batch := make([]console.Message, 0, journalBatchSize)
	for {
		select {
		case m := <-j.msgs:
			batch = append(batch, m)
			if len(batch) >= journalBatchSize {
				batch = j.flush(batch)
			}
		case rec := <-j.actions:
			j.writeAction(rec)
		case <-ticker.C:
			batch = j.flush(batch)
		case <-j.stop:
			j.drain(batch)
			return
		}
	}
}

func (j *Journal) drain(batch []console.Message) {
	for {
		select {
		case m := <-j.msgs:
			batch = append(batch, m)
		case rec := <-j.actions:
			j.writeAction(rec)
		default:
			j.flush(batch)
			if d := j.dropped.Load(); d > 0 {
				j.logger.Warn("Journal dropped entries", zap.Uint64("dropped", d))
			}
			return
		}
	}
}

func (j *Journal) flush(batch []console.Message) []console.Message {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()

	if err := j.store.InsertMessages(ctx, batch); err != nil {
		j.dropped.Add(uint64(len(batch)))
		j.logger.Error("Failed to write console messages", zap.Int("count", len(batch)), zap.Error(err))
	} else {
		j.written.Add(uint64(len(batch)))
	}
	return batch[:0]
}

func (j *Journal) writeAction(rec recovery.ActionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()

	if err := j.store.InsertAction(ctx, rec); err != nil {
		j.dropped.Add(1)
		j.logger.Error("Failed to write recovery action", zap.String("id", rec.ID), zap.Error(err))
		return
	}
	j.written.Add(1)
}
