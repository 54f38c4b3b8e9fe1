package experiment

import (
	"fmt"

	"github.com/BTreeMap/GiftExplain/internal/models"
)

// Step is a screen in the canonical ten-state flow.
type Step int

const (
	StepWelcome Step = iota
	StepExposure1
	StepSurvey1
	StepExposure2
	StepSurvey2
	StepExposure3
	StepSurvey3
	StepComparison
	StepDemographics
	StepCompleted
)

// ScreenKind groups steps by what the participant sees.
type ScreenKind string

const (
	ScreenWelcome      ScreenKind = "welcome"
	ScreenExposure     ScreenKind = "exposure"
	ScreenSurvey       ScreenKind = "survey"
	ScreenComparison   ScreenKind = "comparison"
	ScreenDemographics ScreenKind = "demographics"
	ScreenCompleted    ScreenKind = "completed"
)

// IsValid reports whether s is one of the ten defined steps.
func (s Step) IsValid() bool {
	return s >= StepWelcome && s <= StepCompleted
}

// Kind returns the screen kind shown at s.
func (s Step) Kind() ScreenKind {
	switch s {
	case StepWelcome:
		return ScreenWelcome
	case StepExposure1, StepExposure2, StepExposure3:
		return ScreenExposure
	case StepSurvey1, StepSurvey2, StepSurvey3:
		return ScreenSurvey
	case StepComparison:
		return ScreenComparison
	case StepDemographics:
		return ScreenDemographics
	case StepCompleted:
		return ScreenCompleted
	default:
		return ""
	}
}

// Position returns the 1-based sequence position for exposure and survey steps, 0 otherwise.
func (s Step) Position() int {
	switch s {
	case StepExposure1, StepSurvey1:
		return 1
	case StepExposure2, StepSurvey2:
		return 2
	case StepExposure3, StepSurvey3:
		return 3
	default:
		return 0
	}
}

// CapturesData reports whether leaving s requires a submitted payload.
func (s Step) CapturesData() bool {
	switch s.Kind() {
	case ScreenSurvey, ScreenComparison, ScreenDemographics:
		return true
	default:
		return false
	}
}

// Next returns the successor of s. The terminal step has none.
func (s Step) Next() (Step, bool) {
	if !s.IsValid() || s == StepCompleted {
		return s, false
	}
	return s + 1, true
}

func (s Step) String() string {
	if pos := s.Position(); pos > 0 {
		return fmt.Sprintf("%s %d", s.Kind(), pos)
	}
	if k := s.Kind(); k != "" {
		return string(k)
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

// CheckTransition enforces the n -> n+1 rule.
func CheckTransition(from, to Step) error {
	if !from.IsValid() {
		return &TransitionError{From: from, To: to, Reason: "current step is undefined"}
	}
	if !to.IsValid() {
		return &TransitionError{From: from, To: to, Reason: "target step is undefined"}
	}
	if to < from {
		return &TransitionError{From: from, To: to, Reason: "steps never move backward"}
	}
	next, ok := from.Next()
	if !ok {
		return &TransitionError{From: from, To: to, Reason: "experiment is at its terminal step"}
	}
	if to != next {
		return &TransitionError{From: from, To: to, Reason: fmt.Sprintf("next step is %d", next)}
	}
	return nil
}

// stepDataRecorded reports whether the payload that closes step s is stored on rec.
func stepDataRecorded(rec *models.ExperimentRecord, s Step) bool {
	switch s.Kind() {
	case ScreenSurvey:
		_, ok := rec.ResponseFor(s.Position())
		return ok
	case ScreenComparison:
		return rec.FinalComparison != nil
	case ScreenDemographics:
		return rec.Demographics != nil
	default:
		return true
	}
}

// Screen is what a resuming client should render for the persisted step.
type Screen struct {
	Step        int                 `json:"step"`
	Kind        ScreenKind          `json:"kind"`
	Position    int                 `json:"position,omitempty"`
	Condition   models.Condition    `json:"condition,omitempty"`
	Label       string              `json:"label,omitempty"`
	Explanation string              `json:"explanation,omitempty"`
	Sequence    [3]models.Condition `json:"sequence"`
}

// ScreenFor resolves the screen for the record's persisted step.
func ScreenFor(rec *models.ExperimentRecord) Screen {
	step := Step(rec.CurrentStep)
	screen := Screen{
		Step:     rec.CurrentStep,
		Kind:     step.Kind(),
		Position: step.Position(),
		Sequence: rec.OrderAssignment.Sequence,
	}
	if c, ok := rec.OrderAssignment.ConditionAt(screen.Position); ok {
		screen.Condition = c
		screen.Label = c.Label()
		if step.Kind() == ScreenExposure {
			screen.Explanation = rec.Explanations.For(c)
		}
	}
	return screen
}
