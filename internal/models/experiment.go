package models

import (
	"slices"
	"strings"
	"time"
)

// Validation constants for persona input
const (
	// MaxNameLength is the maximum length of a recipient name
	MaxNameLength = 50
	// MaxReasonLength is the maximum length of the free-text gift reason
	MaxReasonLength = 500
	// MaxPersonaAge is the upper bound of the recipient age
	MaxPersonaAge = 120
)

// Persona describes the gift recipient the participant is shopping for.
type Persona struct {
	Name           string `json:"name"`
	Age            int    `json:"age"`
	Gender         string `json:"gender"`
	PriceRange     string `json:"priceRange"`
	EmotionalState string `json:"emotionalState,omitempty"` // free-text reason for the gift
}

// Validate validates a Persona.
func (p *Persona) Validate() error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return invalid("name", "is required")
	}
	if len(p.Name) > MaxNameLength {
		return invalid("name", "exceeds maximum length of %d", MaxNameLength)
	}
	if p.Age < 1 || p.Age > MaxPersonaAge {
		return invalid("age", "must be between 1 and %d", MaxPersonaAge)
	}
	if strings.TrimSpace(p.Gender) == "" {
		return invalid("gender", "is required")
	}
	if strings.TrimSpace(p.PriceRange) == "" {
		return invalid("priceRange", "is required")
	}
	if len(p.EmotionalState) > MaxReasonLength {
		return invalid("emotionalState", "exceeds maximum length of %d", MaxReasonLength)
	}
	return nil
}

// RecipientUpdate is the payload for correcting recipient details before exposure starts.
type RecipientUpdate struct {
	Name   string `json:"friendName"`
	Age    int    `json:"friendAge"`
	Gender string `json:"gender"`
}

// Apply validates the update against the persona rules and writes it into p.
func (u RecipientUpdate) Apply(p *Persona) error {
	next := *p
	next.Name = u.Name
	next.Age = u.Age
	next.Gender = u.Gender
	if err := next.Validate(); err != nil {
		return err
	}
	*p = next
	return nil
}

// Product is the recommended gift produced by the generator.
type Product struct {
	Name        string   `json:"name"`
	Price       int      `json:"price"`
	Features    []string `json:"features"`
	Description string   `json:"description"`
	ImageURL    string   `json:"imageUrl"`
}

// Explanations holds one explanation text per Condition.
type Explanations struct {
	FeatureFocused string `json:"featureFocused"`
	ProfileBased   string `json:"profileBased"`
	ContextBased   string `json:"contextBased"`
}

// For returns the explanation shown for condition c.
func (e Explanations) For(c Condition) string {
	switch c {
	case ConditionFeatureFocused:
		return e.FeatureFocused
	case ConditionProfileBased:
		return e.ProfileBased
	case ConditionContextBased:
		return e.ContextBased
	default:
		return ""
	}
}

// Set stores the explanation text for condition c.
func (e *Explanations) Set(c Condition, text string) {
	switch c {
	case ConditionFeatureFocused:
		e.FeatureFocused = text
	case ConditionProfileBased:
		e.ProfileBased = text
	case ConditionContextBased:
		e.ContextBased = text
	}
}

// StepTransition records one persisted step change.
type StepTransition struct {
	From int       `json:"from"`
	To   int       `json:"to"`
	At   time.Time `json:"at"`
}

// ExperimentRecord is the aggregate persisted for one participant session.
type ExperimentRecord struct {
	ID              string           `json:"id"`
	Persona         Persona          `json:"persona"`
	Product         Product          `json:"product"`
	Explanations    Explanations     `json:"explanations"`
	OrderAssignment OrderAssignment  `json:"orderAssignment"`
	CurrentStep     int              `json:"currentStep"`
	Responses       []SurveyResponse `json:"responses"`
	FinalComparison *FinalComparison `json:"finalComparison,omitempty"`
	Demographics    *Demographics    `json:"demographics,omitempty"`
	TrackingData    TrackingData     `json:"trackingData"`
	StepHistory     []StepTransition `json:"stepHistory"`
	StartedAt       time.Time        `json:"startedAt"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// IsCompleted reports whether the demographics were recorded and the record closed.
func (r *ExperimentRecord) IsCompleted() bool {
	return r.CompletedAt != nil
}

// ResponseFor returns the survey response recorded for a 1-based step index, if any.
func (r *ExperimentRecord) ResponseFor(stepIndex int) (SurveyResponse, bool) {
	for _, resp := range r.Responses {
		if resp.StepIndex == stepIndex {
			return resp, true
		}
	}
	return SurveyResponse{}, false
}

// Clone returns a deep copy so callers never share slices with a store.
func (r *ExperimentRecord) Clone() *ExperimentRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Product.Features = slices.Clone(r.Product.Features)
	c.Responses = slices.Clone(r.Responses)
	if r.FinalComparison != nil {
		fc := *r.FinalComparison
		c.FinalComparison = &fc
	}
	if r.Demographics != nil {
		d := *r.Demographics
		d.GiftSituations = slices.Clone(r.Demographics.GiftSituations)
		if r.Demographics.HasUsedKakaoGift != nil {
			v := *r.Demographics.HasUsedKakaoGift
			d.HasUsedKakaoGift = &v
		}
		c.Demographics = &d
	}
	c.TrackingData = r.TrackingData.clone()
	c.StepHistory = slices.Clone(r.StepHistory)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// GeneratedContent is the product and explanation texts produced for one persona.
type GeneratedContent struct {
	Product      Product      `json:"product"`
	Explanations Explanations `json:"explanations"`
}

// Complete reports whether every condition has a non-empty explanation.
func (g GeneratedContent) Complete() bool {
	for _, c := range Conditions {
		if strings.TrimSpace(g.Explanations.For(c)) == "" {
			return false
		}
	}
	return strings.TrimSpace(g.Product.Name) != ""
}
