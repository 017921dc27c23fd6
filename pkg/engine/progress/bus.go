// Package progress aggregates byte deltas from the blob loops into
// per-task throughput accounting and fans rate-limited events out to
// subscribers.
package progress

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ocifetch/ocifetch/pkg/engine/task"
)

// Event type names as they appear on the wire.
const (
	EventProgress = "download:progress"
	EventComplete = "download:complete"
	EventError    = "download:error"
)

const (
	// emaTimeConstant smooths the throughput estimate.
	emaTimeConstant = time.Second

	// emitInterval is the minimum spacing between progress events for one
	// task. Terminal events are not rate-limited.
	emitInterval = 250 * time.Millisecond
)

// Event is one bus message. Progress events carry the byte counters;
// complete events add the artifact path and manifest checksum; error
// events add the failure description.
type Event struct {
	Type            string      `json:"type"`
	TaskID          string      `json:"taskId"`
	Progress        float64     `json:"progress"`
	SpeedBPS        float64     `json:"speed"`
	RemainingTime   float64     `json:"remainingTime"`
	DownloadedBytes int64       `json:"downloadedBytes"`
	TotalBytes      int64       `json:"totalBytes"`
	FilePath        string      `json:"filePath,omitempty"`
	Checksum        string      `json:"checksum,omitempty"`
	Error           *task.Error `json:"error,omitempty"`
}

// meter is the per-task accounting: accumulated bytes, the smoothed
// throughput and the emit throttle.
type meter struct {
	downloaded int64
	total      int64

	speed      float64
	pending    int64
	lastSample time.Time
	lastEmit   time.Time
}

func (m *meter) observe(now time.Time, delta int64) {
	m.downloaded += delta
	m.pending += delta
	dt := now.Sub(m.lastSample)
	if dt <= 0 {
		return
	}
	rate := float64(m.pending) / dt.Seconds()
	alpha := 1 - math.Exp(-dt.Seconds()/emaTimeConstant.Seconds())
	m.speed += alpha * (rate - m.speed)
	m.pending = 0
	m.lastSample = now
}

func (m *meter) event(taskID string) Event {
	ev := Event{
		Type:            EventProgress,
		TaskID:          taskID,
		SpeedBPS:        m.speed,
		DownloadedBytes: m.downloaded,
		TotalBytes:      m.total,
	}
	if m.total > 0 {
		ev.Progress = math.Min(float64(m.downloaded)/float64(m.total)*100, 100)
	}
	if m.speed > 0 && m.total > m.downloaded {
		ev.RemainingTime = float64(m.total-m.downloaded) / m.speed
	}
	return ev
}

// Bus fans download events out to subscribers. Publishing never blocks:
// progress events are dropped for subscribers whose queue is full, terminal
// events are handed off to a goroutine that waits for room.
type Bus struct {
	clock clock.Clock

	mu     sync.Mutex
	meters map[string]*meter
	subs   map[*Subscriber]struct{}
}

// NewBus creates a bus. A nil clock means the wall clock.
func NewBus(clk clock.Clock) *Bus {
	if clk == nil {
		clk = clock.New()
	}
	return &Bus{
		clock:  clk,
		meters: map[string]*meter{},
		subs:   map[*Subscriber]struct{}{},
	}
}

// Track registers a task with the bus, seeding the counters from already
// present bytes so a resumed task reports correct totals without skewing
// the speed estimate.
func (b *Bus) Track(taskID string, downloadedBytes, totalBytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.meters[taskID] = &meter{
		downloaded: downloadedBytes,
		total:      totalBytes,
		lastSample: b.clock.Now(),
	}
}

// Publish records delta bytes for the task and emits a progress event when
// the throttle window allows it. It returns the current smoothed throughput
// in bytes per second.
func (b *Bus) Publish(taskID string, delta int64) float64 {
	b.mu.Lock()
	m, ok := b.meters[taskID]
	if !ok {
		b.mu.Unlock()
		return 0
	}
	now := b.clock.Now()
	m.observe(now, delta)
	speed := m.speed
	var ev *Event
	if now.Sub(m.lastEmit) >= emitInterval {
		m.lastEmit = now
		e := m.event(taskID)
		ev = &e
	}
	b.mu.Unlock()

	if ev != nil {
		b.broadcast(*ev, false)
	}
	return speed
}

// Flush emits a progress event for the task regardless of the throttle.
// Used before pausing and before every terminal event so subscribers see
// the final byte counts.
func (b *Bus) Flush(taskID string) {
	b.mu.Lock()
	m, ok := b.meters[taskID]
	if !ok {
		b.mu.Unlock()
		return
	}
	m.lastEmit = b.clock.Now()
	ev := m.event(taskID)
	b.mu.Unlock()
	b.broadcast(ev, false)
}

// Complete emits the final progress flush followed by the terminal
// complete event and forgets the task.
func (b *Bus) Complete(taskID, filePath, checksum string) {
	ev := b.finish(taskID)
	ev.Type = EventComplete
	ev.FilePath = filePath
	ev.Checksum = checksum
	b.broadcast(ev, true)
}

// Fail emits the final progress flush followed by the terminal error event
// and forgets the task. Cancelled tasks report an error of kind Cancelled.
func (b *Bus) Fail(taskID string, taskErr *task.Error) {
	ev := b.finish(taskID)
	ev.Type = EventError
	ev.Error = taskErr
	b.broadcast(ev, true)
}

// Forget drops the task accounting without a terminal event. Used when a
// task leaves the running set without terminating, e.g. on pause.
func (b *Bus) Forget(taskID string) {
	b.mu.Lock()
	delete(b.meters, taskID)
	b.mu.Unlock()
}

// finish flushes the last progress event and returns a template for the
// terminal event carrying the final counters.
func (b *Bus) finish(taskID string) Event {
	b.mu.Lock()
	m, ok := b.meters[taskID]
	if !ok {
		b.mu.Unlock()
		return Event{TaskID: taskID}
	}
	delete(b.meters, taskID)
	ev := m.event(taskID)
	b.mu.Unlock()

	b.broadcast(ev, false)
	return ev
}

// Subscribe registers a subscriber with the given queue capacity. With no
// topics it receives the global stream; with topics it receives only
// events for those task IDs. Close the subscriber to unregister.
func (b *Bus) Subscribe(buffer int, taskIDs ...string) *Subscriber {
	s := &Subscriber{
		bus:    b,
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
		topics: map[string]struct{}{},
	}
	for _, id := range taskIDs {
		s.topics[id] = struct{}{}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) broadcast(ev Event, terminal bool) {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.wants(ev.TaskID) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			if !terminal {
				continue // queue full, progress is droppable
			}
			go func(s *Subscriber) {
				select {
				case s.ch <- ev:
				case <-s.done:
				}
			}(s)
		}
	}
}

func (b *Bus) unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscriber is one event consumer with a bounded queue. The event channel
// is never closed; receivers should select on Done as well.
type Subscriber struct {
	bus  *Bus
	ch   chan Event
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	topics map[string]struct{}
}

// C returns the event channel.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Done is closed when the subscriber is closed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Join adds a per-task topic. A subscriber that joins a topic stops
// receiving the global stream.
func (s *Subscriber) Join(taskID string) {
	s.mu.Lock()
	s.topics[taskID] = struct{}{}
	s.mu.Unlock()
}

// Leave removes a per-task topic.
func (s *Subscriber) Leave(taskID string) {
	s.mu.Lock()
	delete(s.topics, taskID)
	s.mu.Unlock()
}

func (s *Subscriber) wants(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[taskID]
	return ok
}

// Close unregisters the subscriber. Pending events already queued remain
// readable from the channel.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.done)
	})
}
