package models

import (
	"strings"
	"testing"
	"time"
)

func TestPersonaValidate(t *testing.T) {
	tests := []struct {
		name    string
		persona Persona
		wantErr string
	}{
		{"valid", Persona{Name: "  Jiwoo ", Age: 28, Gender: "female", PriceRange: "30000-50000"}, ""},
		{"blank name", Persona{Name: "   ", Age: 28, Gender: "female", PriceRange: "30000-50000"}, "name: is required"},
		{"long name", Persona{Name: strings.Repeat("a", MaxNameLength+1), Age: 28, Gender: "female", PriceRange: "x"}, "name: exceeds maximum length of 50"},
		{"zero age", Persona{Name: "Jiwoo", Gender: "female", PriceRange: "x"}, "age: must be between 1 and 120"},
		{"missing gender", Persona{Name: "Jiwoo", Age: 28, PriceRange: "x"}, "gender: is required"},
		{"missing price range", Persona{Name: "Jiwoo", Age: 28, Gender: "male"}, "priceRange: is required"},
		{"long reason", Persona{Name: "Jiwoo", Age: 28, Gender: "male", PriceRange: "x", EmotionalState: strings.Repeat("a", MaxReasonLength+1)}, "emotionalState: exceeds maximum length of 500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.persona
			err := p.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if p.Name != "Jiwoo" {
					t.Errorf("name not trimmed: %q", p.Name)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestRecipientUpdateApply(t *testing.T) {
	p := Persona{Name: "Jiwoo", Age: 28, Gender: "female", PriceRange: "30000-50000", EmotionalState: "thanks"}

	if err := (RecipientUpdate{Name: "Minjun", Age: 0, Gender: "male"}).Apply(&p); err == nil {
		t.Fatal("expected error for invalid age")
	}
	if p.Name != "Jiwoo" {
		t.Errorf("failed update must leave persona unchanged, got %+v", p)
	}

	if err := (RecipientUpdate{Name: "Minjun", Age: 33, Gender: "male"}).Apply(&p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Persona{Name: "Minjun", Age: 33, Gender: "male", PriceRange: "30000-50000", EmotionalState: "thanks"}
	if p != want {
		t.Errorf("got %+v, want %+v", p, want)
	}
}

func TestExplanationsForAndSet(t *testing.T) {
	var e Explanations
	for i, c := range Conditions {
		e.Set(c, strings.Repeat("x", i+1))
	}
	for i, c := range Conditions {
		if got := e.For(c); len(got) != i+1 {
			t.Errorf("For(%s) = %q", c, got)
		}
	}
	if e.For("unknown") != "" {
		t.Error("unknown condition should have no explanation")
	}

	g := GeneratedContent{Product: Product{Name: "Mug"}, Explanations: e}
	if !g.Complete() {
		t.Error("content with all explanations should be complete")
	}
	g.Explanations.ProfileBased = "  "
	if g.Complete() {
		t.Error("blank explanation should make content incomplete")
	}
}

func TestExperimentRecordClone(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	used := true
	rec := &ExperimentRecord{
		ID:           "exp_clone",
		Product:      Product{Features: []string{"a", "b"}},
		Responses:    []SurveyResponse{{Condition: ConditionFeatureFocused, StepIndex: 1}},
		Demographics: &Demographics{GiftSituations: []string{"birthday"}, HasUsedKakaoGift: &used},
		TrackingData: NewTrackingData(now),
		StepHistory:  []StepTransition{{From: 0, To: 1, At: now}},
		CompletedAt:  &now,
	}
	rec.TrackingData.ButtonClicks = append(rec.TrackingData.ButtonClicks, ButtonClick{Condition: ConditionFeatureFocused})

	c := rec.Clone()
	c.Product.Features[0] = "changed"
	c.Responses[0].StepIndex = 3
	c.Demographics.GiftSituations[0] = "other"
	*c.Demographics.HasUsedKakaoGift = false
	c.TrackingData.ButtonClicks[0].Condition = ConditionContextBased
	c.StepHistory[0].To = 2
	*c.CompletedAt = now.Add(time.Hour)

	if rec.Product.Features[0] != "a" || rec.Responses[0].StepIndex != 1 || rec.Demographics.GiftSituations[0] != "birthday" ||
		!*rec.Demographics.HasUsedKakaoGift || rec.TrackingData.ButtonClicks[0].Condition != ConditionFeatureFocused ||
		rec.StepHistory[0].To != 1 || !rec.CompletedAt.Equal(now) {
		t.Errorf("clone shares state with the original: %+v", rec)
	}
	if (*ExperimentRecord)(nil).Clone() != nil {
		t.Error("nil clone should be nil")
	}

	if _, ok := rec.ResponseFor(1); !ok {
		t.Error("ResponseFor(1) should find the response")
	}
	if _, ok := rec.ResponseFor(2); ok {
		t.Error("ResponseFor(2) should not find a response")
	}
}
