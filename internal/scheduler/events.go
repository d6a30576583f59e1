package scheduler

import (
	"time"

	"tweetsched/internal/post"
	"tweetsched/internal/scheduler/loop"
	logx "tweetsched/pkg/logx"
)

type (
	Event           = loop.Event
	StartedData     = loop.StartedData
	NextPostData    = loop.NextPostData
	TweetPostedData = loop.TweetPostedData
	ErrorData       = loop.ErrorData
)

const (
	EventStarted           = loop.EventStarted
	EventStopped           = loop.EventStopped
	EventPaused            = loop.EventPaused
	EventResumed           = loop.EventResumed
	EventNextPostScheduled = loop.EventNextPostScheduled
	EventTweetPosted       = loop.EventTweetPosted
	EventError             = loop.EventError
	EventAutoRestart       = loop.EventAutoRestart
)

// EventPrefix is prepended to event names on the event bus.
const EventPrefix = "scheduler."

// EventNames lists every event the facade emits.
var EventNames = []string{
	EventStarted, EventStopped, EventPaused, EventResumed,
	EventNextPostScheduled, EventTweetPosted, EventError, EventAutoRestart,
}

type AutoRestartData struct {
	Config  post.PostingConfig `json:"config"`
	SavedAt time.Time          `json:"savedAt"`
}

// Handler receives facade events. Handlers run on the facade's goroutines
// and must not block.
type Handler func(Event)

// Subscription identifies a handler registered with On.
type Subscription struct {
	name string
	id   uint64
}

// AllEvents subscribes a handler to every event name.
const AllEvents = "*"

type subscribers struct {
	seq uint64
	m   map[string]map[uint64]Handler
}

// On registers h for events named name, or for every event with AllEvents.
func (s *Service) On(name string, h Handler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs.m == nil {
		s.subs.m = map[string]map[uint64]Handler{}
	}
	if s.subs.m[name] == nil {
		s.subs.m[name] = map[uint64]Handler{}
	}
	s.subs.seq++
	s.subs.m[name][s.subs.seq] = h
	return Subscription{name: name, id: s.subs.seq}
}

// Off removes a handler. Removing twice is a no-op.
func (s *Service) Off(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs.m[sub.name], sub.id)
}

func (s *Service) dispatch(e Event) {
	s.publish(e)

	s.mu.Lock()
	hs := make([]Handler, 0, len(s.subs.m[e.Name])+len(s.subs.m[AllEvents]))
	for _, h := range s.subs.m[e.Name] {
		hs = append(hs, h)
	}
	for _, h := range s.subs.m[AllEvents] {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	for _, h := range hs {
		s.call(h, e)
	}
}

func (s *Service) call(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler panicked", logx.String("event", e.Name), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 16)))
		}
	}()
	h(e)
}
