package grading

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/noah-isme/gema-autograder/internal/models"
)

// EventType names a grading lifecycle event.
type EventType string

const (
	EventGradingStarted   EventType = "grading.started"
	EventGradingCompleted EventType = "grading.completed"
	EventGradingFailed    EventType = "grading.failed"
	EventAnswerGraded     EventType = "answer.graded"
)

// Event is emitted whenever a submission changes grading state.
type Event struct {
	Type         EventType               `json:"type"`
	SubmissionID uint                    `json:"submission_id"`
	AssignmentID uint                    `json:"assignment_id"`
	QuestionID   uint                    `json:"question_id,omitempty"`
	RunID        string                  `json:"run_id"`
	Status       models.SubmissionStatus `json:"status"`
	Score        float64                 `json:"score"`
	MaxScore     float64                 `json:"max_score"`
	Percentage   float64                 `json:"percentage"`
	Message      string                  `json:"message,omitempty"`
	At           time.Time               `json:"at"`
}

// Publisher delivers grading events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Publishers fans an event out to several publishers.
type Publishers []Publisher

// Publish implements Publisher.
func (p Publishers) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, publisher := range p {
		if publisher == nil {
			continue
		}
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const subscriberBuffer = 16

// Hub delivers events to in-process subscribers of a submission. Slow
// subscribers miss events rather than block grading.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[uint]map[int]chan Event
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint]map[int]chan Event)}
}

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[event.SubmissionID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of events for submissionID and a function that
// ends the subscription and closes the channel.
func (h *Hub) Subscribe(submissionID uint) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, subscriberBuffer)
	if h.subs[submissionID] == nil {
		h.subs[submissionID] = make(map[int]chan Event)
	}
	h.subs[submissionID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[submissionID], id)
			if len(h.subs[submissionID]) == 0 {
				delete(h.subs, submissionID)
			}
			close(ch)
		})
	}
}
