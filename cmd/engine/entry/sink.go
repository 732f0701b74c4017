package entry

import (
	"context"
	"sync"

	"github.com/lyzr/runloop/common/logger"
	"github.com/lyzr/runloop/common/models"
	"github.com/lyzr/runloop/common/repository"
)

// Sink persists execution-channel events during streaming. The journal
// itself is the synchronous sink used in deterministic mode; callers may
// inject their own.
type Sink interface {
	Append(ctx context.Context, event *models.RunEvent) (*repository.AppendResult, error)
}

// AsyncSink appends events best-effort on a background worker, in queue
// order. Terminal markers never go through it; the entry journals those
// synchronously so the terminal guarantee holds in every mode.
type AsyncSink struct {
	journal repository.EventJournal
	log     *logger.Logger
	queue   chan *models.RunEvent
	wg      sync.WaitGroup
}

// NewAsyncSink creates the sink and starts its worker
func NewAsyncSink(journal repository.EventJournal, log *logger.Logger) *AsyncSink {
	s := &AsyncSink{
		journal: journal,
		log:     log,
		queue:   make(chan *models.RunEvent, 256),
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

// Append enqueues the event and returns it unjournaled. When the queue
// is saturated it degrades to a synchronous append instead of dropping.
func (s *AsyncSink) Append(ctx context.Context, event *models.RunEvent) (*repository.AppendResult, error) {
	select {
	case s.queue <- event:
		return &repository.AppendResult{Event: event}, nil
	default:
		return s.journal.Append(ctx, event)
	}
}

func (s *AsyncSink) drain() {
	defer s.wg.Done()
	for event := range s.queue {
		if _, err := s.journal.Append(context.Background(), event); err != nil && s.log != nil {
			s.log.Error("async event append failed",
				"run_id", event.RunID, "type", event.Type, "error", err)
		}
	}
}

// Close stops accepting events and flushes the queue
func (s *AsyncSink) Close() {
	close(s.queue)
	s.wg.Wait()
}
