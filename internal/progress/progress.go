// Package progress tracks the stage of an acquisition and fans events out
// to registered listeners (log output, the CLI progress bar).
package progress

import (
	"sync"
	"time"

	"github.com/nevermorelove/spotify-track-bot/internal/domain"
)

// Stage is a step of the acquisition pipeline.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageSearching   Stage = "searching"
	StageDownloading Stage = "downloading"
	StageTranscoding Stage = "transcoding"
	StageEmbedding   Stage = "embedding"
	StageComplete    Stage = "complete"
	StageError       Stage = "error"
)

// stageOrder maps each stage to a coarse completion percentage.
var stageOrder = map[Stage]float64{
	StageIdle:        0,
	StageSearching:   10,
	StageDownloading: 35,
	StageTranscoding: 70,
	StageEmbedding:   90,
	StageComplete:    100,
	StageError:       100,
}

// Event is a progress update for one track acquisition.
type Event struct {
	Key       domain.TrackKey `json:"key"`
	Stage     Stage           `json:"stage"`
	Progress  float64         `json:"progress"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Tracker manages progress state for one acquisition.
type Tracker struct {
	mu        sync.RWMutex
	key       domain.TrackKey
	stage     Stage
	message   string
	err       error
	listeners []func(Event)
}

func NewTracker(key domain.TrackKey) *Tracker {
	return &Tracker{
		key:   key,
		stage: StageIdle,
	}
}

// AddListener registers a listener for subsequent events.
func (t *Tracker) AddListener(listener func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, listener)
}

// SetStage advances the tracker and notifies all listeners.
func (t *Tracker) SetStage(stage Stage, message string) {
	t.mu.Lock()
	t.stage = stage
	t.message = message
	t.mu.Unlock()

	t.notify(Event{
		Key:       t.key,
		Stage:     stage,
		Progress:  stageOrder[stage],
		Message:   message,
		Timestamp: time.Now(),
	})
}

// SetError records a terminal failure and notifies all listeners.
func (t *Tracker) SetError(err error) {
	t.mu.Lock()
	t.stage = StageError
	t.err = err
	t.mu.Unlock()

	t.notify(Event{
		Key:       t.key,
		Stage:     StageError,
		Progress:  stageOrder[StageError],
		Message:   err.Error(),
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
}

// Current returns the tracker's current state as an event.
func (t *Tracker) Current() Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	event := Event{
		Key:       t.key,
		Stage:     t.stage,
		Progress:  stageOrder[t.stage],
		Message:   t.message,
		Timestamp: time.Now(),
	}
	if t.err != nil {
		event.Error = t.err.Error()
	}
	return event
}

func (t *Tracker) notify(event Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, listener := range t.listeners {
		listener(event)
	}
}
