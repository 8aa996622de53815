package usage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const recordTimeout = 10 * time.Second

// Recorder decouples usage writes from request handling. Records go into a
// bounded queue drained by a small worker pool; a full queue drops the
// record rather than blocking the request path.
type Recorder struct {
	store Store
	queue chan *Record
	wg    sync.WaitGroup
}

func NewRecorder(store Store, workers, queueSize int) *Recorder {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Recorder{
		store: store,
		queue: make(chan *Record, queueSize),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.drain()
	}
	return r
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := r.store.Record(ctx, rec); err != nil {
			log.Error().
				Err(err).
				Str("request_id", rec.RequestID).
				Msg("Failed to persist usage record")
		}
		cancel()
	}
}

// Record enqueues without blocking. The ctx is not used for the write; the
// actual persistence happens on a worker with its own timeout.
func (r *Recorder) Record(ctx context.Context, rec *Record) error {
	select {
	case r.queue <- rec:
	default:
		log.Warn().
			Str("request_id", rec.RequestID).
			Msg("Usage queue full, dropping record")
	}
	return nil
}

// Close stops accepting records and waits for the queue to drain.
func (r *Recorder) Close() {
	close(r.queue)
	r.wg.Wait()
}
