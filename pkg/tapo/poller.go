package tapo

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/johnpr01/tapo-session/pkg/tapoprotocol"
)

// PollOptions configures a PollTracker's fetch cadence and, for
// event-log trackers, the duplicate-suppression window. Defaults
// mirror internal/config's EventLogDebounce/PollInterval.
type PollOptions struct {
	Interval time.Duration
	Debounce time.Duration
}

const defaultDebounce = 700 * time.Millisecond

// StateProvider fetches the next raw state for a PollTracker to feed
// its StateTracker. It receives the request context for every tick.
type StateProvider func(ctx context.Context) (interface{}, error)

// StateTracker turns a freshly fetched state into zero or more events
// to deliver to subscribers. Implementations own their own "last
// state" so PollTracker stays state-shape-agnostic.
type StateTracker interface {
	Track(newState interface{}) []interface{}
}

// Unsubscribe cancels a PollTracker subscription. It returns only
// after no further callback for that subscriber can fire.
type Unsubscribe func()

type subscriber struct {
	id       uint64
	callback func(interface{})
}

// PollTracker is a generic background-polling loop: it calls
// StateProvider on each tick, feeds the result to a StateTracker, and
// delivers any resulting events to subscribers in registration order.
// The loop runs only while at least one subscriber is registered.
type PollTracker struct {
	provider StateProvider
	tracker  StateTracker
	interval time.Duration

	mu          sync.Mutex
	subscribers []subscriber
	nextID      uint64
	cancel      context.CancelFunc
}

// NewPollTracker constructs a tracker bound to one provider/tracker
// pair. No background fetch is issued until the first Subscribe call.
func NewPollTracker(provider StateProvider, tracker StateTracker, opts PollOptions) *PollTracker {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PollTracker{provider: provider, tracker: tracker, interval: interval}
}

// Subscribe registers callback and starts the background loop if this
// is the first subscriber. The returned Unsubscribe stops the loop
// once the last subscriber leaves.
func (t *PollTracker) Subscribe(callback func(interface{})) Unsubscribe {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subscribers = append(t.subscribers, subscriber{id: id, callback: callback})
	shouldStart := len(t.subscribers) == 1
	t.mu.Unlock()

	if shouldStart {
		t.start()
	}

	return func() { t.unsubscribe(id) }
}

func (t *PollTracker) unsubscribe(id uint64) {
	t.mu.Lock()
	for i, s := range t.subscribers {
		if s.id == id {
			t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
			break
		}
	}
	shouldStop := len(t.subscribers) == 0
	cancel := t.cancel
	if shouldStop {
		t.cancel = nil
	}
	t.mu.Unlock()

	if shouldStop && cancel != nil {
		cancel()
	}
}

func (t *PollTracker) start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	go t.loop(ctx)
}

func (t *PollTracker) loop(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := t.provider(ctx)
			if err != nil {
				continue
			}
			for _, event := range t.tracker.Track(state) {
				t.emit(event)
			}
		}
	}
}

// emit delivers event to every subscriber in registration order,
// holding the subscriber-list lock for the whole pass so an in-flight
// Unsubscribe call cannot return until this emission finishes.
func (t *PollTracker) emit(event interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subscribers {
		s.callback(event)
	}
}

// DeviceAssociationEvent is emitted by the child-association tracker
// when the hub's child set changes.
type DeviceAssociationEvent struct {
	DeviceID string
	Added    bool
}

// ChildAssociationStateTracker diffs successive child-id sets and
// emits added/removed events.
type ChildAssociationStateTracker struct {
	last map[string]struct{}
}

// NewChildAssociationStateTracker constructs an empty tracker; the
// first Track call seeds the baseline without emitting events for it
// (there is nothing to diff against yet).
func NewChildAssociationStateTracker() *ChildAssociationStateTracker {
	return &ChildAssociationStateTracker{}
}

func (c *ChildAssociationStateTracker) Track(newState interface{}) []interface{} {
	current, _ := newState.(map[string]struct{})
	if c.last == nil {
		c.last = current
		return nil
	}

	var events []interface{}
	for id := range current {
		if _, ok := c.last[id]; !ok {
			events = append(events, DeviceAssociationEvent{DeviceID: id, Added: true})
		}
	}
	for id := range c.last {
		if _, ok := current[id]; !ok {
			events = append(events, DeviceAssociationEvent{DeviceID: id, Added: false})
		}
	}
	c.last = current
	return events
}

// TriggerEvent is one entry from get_trigger_logs: an id, a type
// (button press kind, motion/door state, ...), and a timestamp.
type TriggerEvent struct {
	ID        string
	Type      string
	Timestamp int64
}

// maxSeenEvents bounds EventLogStateTracker's seen-id set so a
// long-lived poller doesn't grow it without limit.
const maxSeenEvents = 256

// EventLogStateTracker dedups sensor trigger logs by event id and
// collapses adjacent same-type events within the debounce window,
// emitting brand-new events oldest-first.
type EventLogStateTracker struct {
	debounce time.Duration

	seen      map[string]struct{}
	seenOrder []string
	lastType  string
	lastTime  int64
	haveLast  bool
}

// NewEventLogStateTracker constructs a tracker with the given
// debounce window (700ms if debounce <= 0).
func NewEventLogStateTracker(debounce time.Duration) *EventLogStateTracker {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &EventLogStateTracker{debounce: debounce, seen: make(map[string]struct{})}
}

// Track expects newState to be a []TriggerEvent in the device's
// newest-first wire order; it returns brand-new, debounced events
// oldest-first.
func (e *EventLogStateTracker) Track(newState interface{}) []interface{} {
	batch, _ := newState.([]TriggerEvent)
	if len(batch) == 0 {
		return nil
	}

	// Reverse to oldest-first.
	oldestFirst := make([]TriggerEvent, len(batch))
	for i, ev := range batch {
		oldestFirst[len(batch)-1-i] = ev
	}

	var events []interface{}
	for _, ev := range oldestFirst {
		if _, already := e.seen[ev.ID]; already {
			continue
		}
		e.markSeen(ev.ID)

		if e.haveLast && ev.Type == e.lastType && ev.Timestamp-e.lastTime <= e.debounce.Milliseconds() {
			continue
		}

		e.lastType = ev.Type
		e.lastTime = ev.Timestamp
		e.haveLast = true
		events = append(events, ev)
	}
	return events
}

func (e *EventLogStateTracker) markSeen(id string) {
	if _, ok := e.seen[id]; ok {
		return
	}
	e.seen[id] = struct{}{}
	e.seenOrder = append(e.seenOrder, id)
	if len(e.seenOrder) > maxSeenEvents {
		oldest := e.seenOrder[0]
		e.seenOrder = e.seenOrder[1:]
		delete(e.seen, oldest)
	}
}

// NewEventLogProvider builds a StateProvider that fetches the most
// recent pageSize trigger logs for a hub child through control_child,
// parsing them into TriggerEvent values.
func NewEventLogProvider(protocol tapoprotocol.Protocol, deviceID string, pageSize int) StateProvider {
	return func(ctx context.Context) (interface{}, error) {
		resp, err := executeChild(ctx, protocol, deviceID, tapoprotocol.GetTriggerLogs(pageSize, 0))
		if err != nil {
			return nil, err
		}

		var page struct {
			Logs []struct {
				ID        interface{} `json:"id"`
				Type      string      `json:"type"`
				Timestamp int64       `json:"timestamp"`
			} `json:"logs"`
		}
		if err := unmarshalJSON(resp.Result, &page); err != nil {
			return nil, err
		}

		events := make([]TriggerEvent, 0, len(page.Logs))
		for _, l := range page.Logs {
			events = append(events, TriggerEvent{
				ID:        toEventID(l.ID),
				Type:      l.Type,
				Timestamp: l.Timestamp,
			})
		}
		return events, nil
	}
}

func toEventID(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	default:
		return ""
	}
}
