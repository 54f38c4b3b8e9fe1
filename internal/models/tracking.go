package models

import (
	"slices"
	"time"
)

// Tracking limits
const (
	// MaxTrackingEventsPerBatch bounds the number of events accepted in one upload
	MaxTrackingEventsPerBatch = 500
	// MaxBatchIDLength bounds the client-supplied idempotency key
	MaxBatchIDLength = 64
)

// InteractionType is the kind of a participant's first interaction with an exposure.
type InteractionType string

const (
	InteractionMouseEnter InteractionType = "mouseenter"
	InteractionClick      InteractionType = "click"
	InteractionScroll     InteractionType = "scroll"
)

// ClickEventType is the menu a tracked button belongs to.
type ClickEventType string

const (
	ClickInfoMenu   ClickEventType = "click_info_menu"
	ClickActionMenu ClickEventType = "click_action_menu"
	ClickRegenerate ClickEventType = "click_regenerate"
)

var validSubEvents = []string{"spec", "review", "compare", "wishlist", "cart", "share", "purchase", "regenerate"}

// Coordinates is a viewport position.
type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DwellTime is the time spent on one exposure screen.
type DwellTime struct {
	Condition Condition `json:"condition"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Duration  int64     `json:"duration"` // ms
}

// ScrollPattern is a scroll stop observed on an exposure screen.
type ScrollPattern struct {
	Condition    Condition `json:"condition"`
	ScrollY      float64   `json:"scrollY"`
	Timestamp    time.Time `json:"timestamp"`
	StopDuration int64     `json:"stopDuration"`
}

// FirstInteraction is the first pointer or scroll event on an exposure screen.
type FirstInteraction struct {
	Condition   Condition       `json:"condition"`
	Type        InteractionType `json:"type"`
	Target      string          `json:"target"`
	Timestamp   time.Time       `json:"timestamp"`
	Coordinates *Coordinates    `json:"coordinates,omitempty"`
}

// ButtonClick is a click on one of the recommendation menus.
type ButtonClick struct {
	Condition   Condition      `json:"condition"`
	EventType   ClickEventType `json:"event_type"`
	SubEvent    string         `json:"sub_event,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Coordinates *Coordinates   `json:"coordinates,omitempty"`
}

// Validate validates a ButtonClick.
func (b *ButtonClick) Validate() error {
	if !b.Condition.IsValid() {
		return invalid("condition", "must be one of featureFocused, profileBased, contextBased")
	}
	switch b.EventType {
	case ClickInfoMenu, ClickActionMenu, ClickRegenerate:
	default:
		return invalid("event_type", "must be one of click_info_menu, click_action_menu, click_regenerate")
	}
	if b.SubEvent != "" && !oneOf(b.SubEvent, validSubEvents) {
		return invalid("sub_event", "unknown sub event %q", b.SubEvent)
	}
	return nil
}

// SessionDuration spans the whole participant session.
type SessionDuration struct {
	StartTime     time.Time  `json:"startTime"`
	EndTime       *time.Time `json:"endTime"`
	TotalDuration *int64     `json:"totalDuration"` // ms
}

// TrackingData accumulates interaction telemetry for one experiment.
type TrackingData struct {
	DwellTimes        []DwellTime        `json:"dwellTimes"`
	ScrollPatterns    []ScrollPattern    `json:"scrollPatterns"`
	FirstInteractions []FirstInteraction `json:"firstInteractions"`
	ButtonClicks      []ButtonClick      `json:"buttonClicks"`
	SessionDuration   SessionDuration    `json:"sessionDuration"`
	AppliedBatches    []string           `json:"appliedBatches,omitempty"`
}

// NewTrackingData returns empty telemetry whose session starts at start.
func NewTrackingData(start time.Time) TrackingData {
	return TrackingData{
		DwellTimes:        []DwellTime{},
		ScrollPatterns:    []ScrollPattern{},
		FirstInteractions: []FirstInteraction{},
		ButtonClicks:      []ButtonClick{},
		SessionDuration:   SessionDuration{StartTime: start},
	}
}

func (t TrackingData) clone() TrackingData {
	c := t
	c.DwellTimes = slices.Clone(t.DwellTimes)
	c.ScrollPatterns = slices.Clone(t.ScrollPatterns)
	c.FirstInteractions = slices.Clone(t.FirstInteractions)
	c.ButtonClicks = slices.Clone(t.ButtonClicks)
	c.AppliedBatches = slices.Clone(t.AppliedBatches)
	if t.SessionDuration.EndTime != nil {
		end := *t.SessionDuration.EndTime
		c.SessionDuration.EndTime = &end
	}
	if t.SessionDuration.TotalDuration != nil {
		total := *t.SessionDuration.TotalDuration
		c.SessionDuration.TotalDuration = &total
	}
	return c
}

// TrackingBatch is one telemetry upload from the client.
type TrackingBatch struct {
	BatchID           string             `json:"batchId,omitempty"`
	DwellTimes        []DwellTime        `json:"dwellTimes,omitempty"`
	ScrollPatterns    []ScrollPattern    `json:"scrollPatterns,omitempty"`
	FirstInteractions []FirstInteraction `json:"firstInteractions,omitempty"`
	ButtonClicks      []ButtonClick      `json:"buttonClicks,omitempty"`
	SessionDuration   *SessionDuration   `json:"sessionDuration,omitempty"`
}

// Len returns the number of events in the batch.
func (b *TrackingBatch) Len() int {
	return len(b.DwellTimes) + len(b.ScrollPatterns) + len(b.FirstInteractions) + len(b.ButtonClicks)
}

// Validate validates a TrackingBatch.
func (b *TrackingBatch) Validate() error {
	if len(b.BatchID) > MaxBatchIDLength {
		return invalid("batchId", "exceeds maximum length of %d", MaxBatchIDLength)
	}
	if b.Len() == 0 && b.SessionDuration == nil {
		return invalid("", "tracking batch is empty")
	}
	if b.Len() > MaxTrackingEventsPerBatch {
		return invalid("", "tracking batch exceeds %d events", MaxTrackingEventsPerBatch)
	}
	for _, d := range b.DwellTimes {
		if !d.Condition.IsValid() {
			return invalid("dwellTimes.condition", "invalid condition %q", d.Condition)
		}
		if d.Duration < 0 {
			return invalid("dwellTimes.duration", "must not be negative")
		}
	}
	for _, s := range b.ScrollPatterns {
		if !s.Condition.IsValid() {
			return invalid("scrollPatterns.condition", "invalid condition %q", s.Condition)
		}
	}
	for _, f := range b.FirstInteractions {
		if !f.Condition.IsValid() {
			return invalid("firstInteractions.condition", "invalid condition %q", f.Condition)
		}
		switch f.Type {
		case InteractionMouseEnter, InteractionClick, InteractionScroll:
		default:
			return invalid("firstInteractions.type", "unknown interaction type %q", f.Type)
		}
	}
	for i := range b.ButtonClicks {
		if err := b.ButtonClicks[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Merge appends the batch's events and replaces the session duration when one is
// supplied, unless the session already has an end time. A batch whose ID was
// already applied is ignored and Merge returns false.
func (t *TrackingData) Merge(b TrackingBatch) bool {
	if b.BatchID != "" {
		for _, id := range t.AppliedBatches {
			if id == b.BatchID {
				return false
			}
		}
		t.AppliedBatches = append(t.AppliedBatches, b.BatchID)
	}
	t.DwellTimes = append(t.DwellTimes, b.DwellTimes...)
	t.ScrollPatterns = append(t.ScrollPatterns, b.ScrollPatterns...)
	t.FirstInteractions = append(t.FirstInteractions, b.FirstInteractions...)
	t.ButtonClicks = append(t.ButtonClicks, b.ButtonClicks...)
	// a closed session keeps its end time and total
	if b.SessionDuration != nil && t.SessionDuration.EndTime == nil {
		t.SessionDuration = *b.SessionDuration
	}
	return true
}
