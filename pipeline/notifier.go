package pipeline

import (
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/hone/logger"
)

// subscriberBuffer bounds each subscriber channel. A subscriber that
// falls this far behind starts missing events instead of stalling the
// pipeline.
const subscriberBuffer = 64

// Notifier fans run events out to any number of subscribers per run.
// Publishing never blocks. Subscribers only see events published after
// they attach; there is no replay.
type Notifier struct {
	logger *zap.SugaredLogger

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
	taps map[*subscriber]struct{}
}

type subscriber struct {
	ch chan Event
}

func NewNotifier(log *zap.SugaredLogger) *Notifier {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Notifier{
		logger: log,
		subs:   make(map[string]map[*subscriber]struct{}),
		taps:   make(map[*subscriber]struct{}),
	}
}

// Subscribe attaches to a run's event feed. The returned cancel func
// detaches the subscriber and closes its channel; calling it more than
// once is safe.
func (n *Notifier) Subscribe(runID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	n.mu.Lock()
	set := n.subs[runID]
	if set == nil {
		set = make(map[*subscriber]struct{})
		n.subs[runID] = set
	}
	set[sub] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			if set, ok := n.subs[runID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(n.subs, runID)
				}
			}
			n.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// SubscribeAll attaches to every run's event feed at once, for
// transports that multiplex all runs over one connection. Cancellation
// semantics match Subscribe.
func (n *Notifier) SubscribeAll() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	n.mu.Lock()
	n.taps[sub] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.taps, sub)
			n.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to every subscriber of its run and every
// all-runs tap, dropping it for subscribers whose buffers are full.
// Publishing holds the read lock for the duration of the
// (non-blocking) sends, so a subscriber's channel is never closed
// mid-send.
func (n *Notifier) Publish(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for sub := range n.subs[ev.RunID] {
		select {
		case sub.ch <- ev:
		default:
			n.logger.Debugw("dropping event for slow subscriber",
				logger.FieldRunID, ev.RunID, "event", ev.Type)
		}
	}
	for sub := range n.taps {
		select {
		case sub.ch <- ev:
		default:
			n.logger.Debugw("dropping event for slow tap",
				logger.FieldRunID, ev.RunID, "event", ev.Type)
		}
	}
}

func (n *Notifier) StageStart(runID, stage string, iteration int) {
	n.Publish(Event{RunID: runID, Type: EventStageStart, Data: map[string]interface{}{
		"stage":     stage,
		"iteration": iteration,
	}})
}

func (n *Notifier) TestProgress(runID string, completed, total int) {
	n.Publish(Event{RunID: runID, Type: EventTestProgress, Data: map[string]interface{}{
		"completed": completed,
		"total":     total,
	}})
}

func (n *Notifier) IterationComplete(runID string, iteration int, avgScore, bestScore float64) {
	n.Publish(Event{RunID: runID, Type: EventIterationComplete, Data: map[string]interface{}{
		"iteration":  iteration,
		"avg_score":  avgScore,
		"best_score": bestScore,
	}})
}

func (n *Notifier) FeedbackRequested(runID string, iteration int, summary map[string]interface{}) {
	n.Publish(Event{RunID: runID, Type: EventFeedbackRequested, Data: map[string]interface{}{
		"iteration": iteration,
		"summary":   summary,
	}})
}

func (n *Notifier) Completed(runID string, bestScore float64, totalIterations int) {
	n.Publish(Event{RunID: runID, Type: EventCompleted, Data: map[string]interface{}{
		"best_score":       bestScore,
		"total_iterations": totalIterations,
	}})
}

func (n *Notifier) Converged(runID, reason string, bestScore float64) {
	n.Publish(Event{RunID: runID, Type: EventConverged, Data: map[string]interface{}{
		"reason":     reason,
		"best_score": bestScore,
	}})
}

func (n *Notifier) Failed(runID, errorMessage string) {
	n.Publish(Event{RunID: runID, Type: EventFailed, Data: map[string]interface{}{
		"error": errorMessage,
	}})
}

func (n *Notifier) Stopped(runID string) {
	n.Publish(Event{RunID: runID, Type: EventStopped, Data: map[string]interface{}{}})
}
