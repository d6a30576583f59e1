package loop

import (
	"time"

	"tweetsched/internal/post"
)

// Event names published by the loop. The facade adds EventAutoRestart.
const (
	EventStarted           = "started"
	EventStopped           = "stopped"
	EventPaused            = "paused"
	EventResumed           = "resumed"
	EventNextPostScheduled = "nextPostScheduled"
	EventTweetPosted       = "tweetPosted"
	EventError             = "error"
	EventAutoRestart       = "autoRestart"
)

type Event struct {
	Name string    `json:"name"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type StartedData struct {
	Config post.PostingConfig `json:"config"`
}

type NextPostData struct {
	NextPostTime time.Time `json:"nextPostTime"`
	// ItemID is set when the time comes from an item's explicit schedule.
	ItemID string `json:"itemId,omitempty"`
}

type TweetPostedData struct {
	ItemID  string `json:"itemId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type ErrorData struct {
	ItemID  string `json:"itemId,omitempty"`
	Message string `json:"message"`
}

// Snapshot is the host's answer to NeedSnapshot. Session is nil when no
// session is stored.
type Snapshot struct {
	Items   []post.Item
	Session *post.Session
}

// Message is anything the loop sends to its host through Outbox.
type Message interface{ loopMessage() }

// NeedSnapshot asks the host for a fresh Snapshot, answered through
// DeliverSnapshot with the same Seq.
type NeedSnapshot struct{ Seq uint64 }

// Submit asks the host to post the item and answer with ReportFireOutcome.
type Submit struct{ Item post.Item }

// StateChanged carries a copy of the new state.
type StateChanged struct{ State post.SchedulerState }

type Notify struct{ Event Event }

func (NeedSnapshot) loopMessage() {}
func (Submit) loopMessage()       {}
func (StateChanged) loopMessage() {}
func (Notify) loopMessage()       {}

// inbound commands, only ever touched by the Run goroutine

type startCmd struct {
	cfg   post.PostingConfig
	reply chan error
}

type stopCmd struct{ reply chan error }

type pauseCmd struct{ reply chan error }

type resumeCmd struct{ reply chan error }

type updateCmd struct {
	cfg   post.PostingConfig
	reply chan error
}

type restoreCmd struct {
	state post.SchedulerState
	reply chan error
}

type outcomeCmd struct {
	itemID  string
	success bool
	errMsg  string
}

type accountCmd struct {
	success bool
	errMsg  string
}

type snapshotCmd struct {
	seq  uint64
	snap Snapshot
}

type timerFired struct{ gen uint64 }
