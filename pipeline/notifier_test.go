package pipeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestNotifier_FanOut(t *testing.T) {
	n := NewNotifier(nil)

	a, cancelA := n.Subscribe("run_a")
	defer cancelA()
	b, cancelB := n.Subscribe("run_a")
	defer cancelB()
	other, cancelOther := n.Subscribe("run_b")
	defer cancelOther()

	n.StageStart("run_a", StageTest, 1)

	for _, ch := range []<-chan Event{a, b} {
		ev := waitEvent(t, ch, EventStageStart)
		assert.Equal(t, "run_a", ev.RunID)
		assert.Equal(t, StageTest, ev.Data["stage"])
		assert.Equal(t, 1, ev.Data["iteration"])
	}

	select {
	case ev := <-other:
		t.Fatalf("run_b subscriber received %s for run_a", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifier_SubscribeAllSeesEveryRun(t *testing.T) {
	n := NewNotifier(nil)

	tap, cancelTap := n.SubscribeAll()
	defer cancelTap()

	n.StageStart("run_a", StageTest, 1)
	n.Stopped("run_b")

	first := waitEvent(t, tap, EventStageStart)
	assert.Equal(t, "run_a", first.RunID)

	second := waitEvent(t, tap, EventStopped)
	assert.Equal(t, "run_b", second.RunID)

	// The tap's cancel detaches it; later publishes go nowhere.
	cancelTap()
	n.Stopped("run_c")
	_, open := <-tap
	for open {
		_, open = <-tap
	}
}

func TestNotifier_NoReplayBeforeSubscribe(t *testing.T) {
	n := NewNotifier(nil)

	n.StageStart("run_a", StageTest, 1)

	ch, cancel := n.Subscribe("run_a")
	defer cancel()
	n.IterationComplete("run_a", 1, 0.5, 0.5)

	ev := waitEvent(t, ch, EventIterationComplete)
	assert.Equal(t, EventIterationComplete, ev.Type, "only events after attach are delivered")
}

func TestNotifier_CancelClosesChannelOnce(t *testing.T) {
	n := NewNotifier(nil)

	ch, cancel := n.Subscribe("run_a")
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok, "cancel closes the subscriber channel")

	// Publishing after cancel must not panic on the closed channel.
	n.Stopped("run_a")
}

func TestNotifier_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	n := NewNotifier(nil)

	ch, cancel := n.Subscribe("run_a")
	defer cancel()

	for i := 0; i < subscriberBuffer+16; i++ {
		n.TestProgress("run_a", i+1, subscriberBuffer+16)
	}

	received := 0
drain:
	for {
		select {
		case <-ch:
			received++
		default:
			break drain
		}
	}
	assert.Equal(t, subscriberBuffer, received)
}

func TestNotifier_EventPayloads(t *testing.T) {
	n := NewNotifier(nil)
	ch, cancel := n.Subscribe("run_a")
	defer cancel()

	summary := map[string]interface{}{"avg_score": 0.5}

	n.TestProgress("run_a", 3, 10)
	n.IterationComplete("run_a", 2, 0.6, 0.7)
	n.FeedbackRequested("run_a", 2, summary)
	n.Completed("run_a", 0.7, 5)
	n.Converged("run_a", "stagnation", 0.7)
	n.Failed("run_a", "boom")
	n.Stopped("run_a")

	ev := waitEvent(t, ch, EventTestProgress)
	assert.Equal(t, map[string]interface{}{"completed": 3, "total": 10}, ev.Data)

	ev = waitEvent(t, ch, EventIterationComplete)
	assert.Equal(t, map[string]interface{}{"iteration": 2, "avg_score": 0.6, "best_score": 0.7}, ev.Data)

	ev = waitEvent(t, ch, EventFeedbackRequested)
	assert.Equal(t, 2, ev.Data["iteration"])
	assert.Equal(t, summary, ev.Data["summary"])

	ev = waitEvent(t, ch, EventCompleted)
	assert.Equal(t, map[string]interface{}{"best_score": 0.7, "total_iterations": 5}, ev.Data)

	ev = waitEvent(t, ch, EventConverged)
	assert.Equal(t, map[string]interface{}{"reason": "stagnation", "best_score": 0.7}, ev.Data)

	ev = waitEvent(t, ch, EventFailed)
	assert.Equal(t, map[string]interface{}{"error": "boom"}, ev.Data)

	ev = waitEvent(t, ch, EventStopped)
	require.NotNil(t, ev.Data)
	assert.Empty(t, ev.Data)
}

func TestNotifier_ConcurrentSubscribeAndPublish(t *testing.T) {
	defer goleak.VerifyNone(t)

	n := NewNotifier(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			n.StageStart("run_a", StageTest, i)
		}
	}()

	for i := 0; i < 20; i++ {
		ch, cancel := n.Subscribe("run_a")
		_ = ch
		cancel()
	}
	<-done
}

func TestEventTerminal(t *testing.T) {
	terminal := []string{EventCompleted, EventConverged, EventFailed, EventStopped}
	for _, typ := range terminal {
		assert.True(t, Event{Type: typ}.Terminal(), typ)
	}

	ongoing := []string{EventSnapshot, EventStageStart, EventTestProgress, EventIterationComplete, EventFeedbackRequested}
	for _, typ := range ongoing {
		assert.False(t, Event{Type: typ}.Terminal(), typ)
	}
}

func TestEventTypesHelper(t *testing.T) {
	events := []Event{
		{Type: EventStageStart, Data: map[string]interface{}{"stage": StageTest, "iteration": 1}},
		{Type: EventTestProgress, Data: map[string]interface{}{"completed": 1, "total": 2}},
		{Type: EventCompleted},
	}
	assert.Equal(t, []string{fmt.Sprintf("%s:%s", EventStageStart, StageTest), EventCompleted}, eventTypes(events))
}
