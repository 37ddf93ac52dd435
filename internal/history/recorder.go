package history

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/tripscan/internal/event"
	"github.com/HerbHall/tripscan/pkg/telemetry"
)

// Recorder writes detection events published on the bus into one run.
type Recorder struct {
	store  *Store
	runID  string
	logger *zap.Logger

	mu     sync.Mutex
	seq    int
	failed int
}

// NewRecorder returns a Recorder appending to run runID.
func NewRecorder(logger *zap.Logger, s *Store, runID string) *Recorder {
	return &Recorder{store: s, runID: runID, logger: logger}
}

// Attach subscribes the recorder to every detection topic on bus.
func (r *Recorder) Attach(bus *event.Bus) (detach func()) {
	return bus.SubscribePrefix(event.TopicPrefix, r.Handle)
}

// Handle stores a detection event. Insert failures are logged and counted;
// they never stop the engine.
func (r *Recorder) Handle(ctx context.Context, msg event.Message) {
	ev, ok := msg.Payload.(telemetry.Event)
	if !ok {
		r.logger.Warn("unexpected payload on detection topic",
			zap.String("topic", msg.Topic),
			zap.String("source", msg.Source),
		)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	if err := r.store.InsertEvent(ctx, r.runID, r.seq, ev); err != nil {
		r.failed++
		r.logger.Error("failed to persist event",
			zap.String("run_id", r.runID),
			zap.Int("seq", r.seq),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
	}
}

// Recorded returns the number of events stored and the number that failed.
func (r *Recorder) Recorded() (stored, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq - r.failed, r.failed
}
