package models

import (
	"errors"
	"strings"
	"testing"
)

func validAnswers() SurveyAnswers {
	return SurveyAnswers{
		MC1ExplanationType: ManipulationProfile,
		Comprehension1:     4,
		Comprehension2:     4,
		Comprehension3:     4,
		Comprehension4:     4,
		Overload1:          2,
		Overload2:          2,
		Overload3:          2,
		Overload4:          2,
		PerceivedFit1:      6,
		PerceivedFit2:      6,
		PerceivedFit3:      6,
		PurchaseIntent1:    7,
		PurchaseIntent2:    7,
		PurchaseIntent3:    7,
	}
}

func boolPtr(v bool) *bool { return &v }

func TestSurveyAnswersValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SurveyAnswers)
		wantErr string
	}{
		{"valid", func(*SurveyAnswers) {}, ""},
		{"missing manipulation check", func(a *SurveyAnswers) { a.MC1ExplanationType = "" }, "mc1_explanationType: is required"},
		{"unknown manipulation check", func(a *SurveyAnswers) { a.MC1ExplanationType = "emotion" }, "mc1_explanationType: must be one of feature, profile, intent"},
		{"missing likert", func(a *SurveyAnswers) { a.Overload3 = 0 }, "overload3: is required"},
		{"likert too high", func(a *SurveyAnswers) { a.PurchaseIntent2 = 8 }, "purchaseIntent2: must be between 1 and 7"},
		{"likert negative", func(a *SurveyAnswers) { a.Comprehension1 = -1 }, "comprehension1: must be between 1 and 7"},
		{"feedback too long", func(a *SurveyAnswers) { a.OpenFeedback = strings.Repeat("선", MaxOpenFeedbackLength+1) }, "openFeedback: exceeds maximum length of 2000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAnswers()
			tt.mutate(&a)
			err := a.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
			if !errors.Is(err, ErrValidation) {
				t.Error("error should match ErrValidation")
			}
		})
	}

	// multi-byte feedback at the limit counts characters, not bytes
	a := validAnswers()
	a.OpenFeedback = strings.Repeat("선", MaxOpenFeedbackLength)
	if err := a.Validate(); err != nil {
		t.Errorf("feedback at the limit rejected: %v", err)
	}
}

func TestSurveySubmissionValidate(t *testing.T) {
	sub := SurveySubmission{SurveyAnswers: validAnswers(), ResponseTime: 1500, StepIndex: 2}
	if err := sub.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sub.ResponseTime = -1
	if err := sub.Validate(); err == nil {
		t.Error("expected error for negative response time")
	}
	sub.ResponseTime = 10
	sub.StepIndex = 4
	if err := sub.Validate(); err == nil {
		t.Error("expected error for step index 4")
	}
}

func TestManipulationCheckCondition(t *testing.T) {
	want := map[ManipulationCheck]Condition{
		ManipulationFeature: ConditionFeatureFocused,
		ManipulationProfile: ConditionProfileBased,
		ManipulationIntent:  ConditionContextBased,
		"other":             "",
	}
	for m, c := range want {
		if got := m.Condition(); got != c {
			t.Errorf("%q.Condition() = %q, want %q", m, got, c)
		}
	}
}

func TestFinalComparisonValidate(t *testing.T) {
	valid := func() FinalComparison {
		return FinalComparison{
			DifferentInfoMethods:               boolPtr(true),
			ClearDifferences:                   boolPtr(false),
			MostComprehensible:                 ConditionFeatureFocused,
			MostOverloaded:                     ConditionProfileBased,
			PersonalPreference:                 ConditionContextBased,
			BestGiftAppropriatenessExplanation: ConditionContextBased,
		}
	}
	tests := []struct {
		name    string
		mutate  func(*FinalComparison)
		wantErr bool
	}{
		{"valid", func(*FinalComparison) {}, false},
		{"false answers still count", func(f *FinalComparison) { f.DifferentInfoMethods = boolPtr(false) }, false},
		{"missing yes/no", func(f *FinalComparison) { f.ClearDifferences = nil }, true},
		{"missing choice", func(f *FinalComparison) { f.MostOverloaded = "" }, true},
		{"confidence out of range", func(f *FinalComparison) { f.ConfidenceLevel = 9 }, true},
		{"confidence in range", func(f *FinalComparison) { f.ConfidenceLevel = 5 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := valid()
			tt.mutate(&f)
			if err := f.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDemographicsValidate(t *testing.T) {
	valid := func() Demographics {
		return Demographics{
			Age:                    31,
			Gender:                 "female",
			Phone:                  "010-1234-5678",
			GiftShoppingFrequency:  "often",
			PriceImportance:        5,
			QualityImportance:      6,
			RelationshipImportance: 7,
			RelationshipIntimacy:   4,
			HasUsedKakaoGift:       boolPtr(true),
			GiftSituations:         []string{"birthday", "gratitude"},
			GiftMindset:            "special",
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Demographics)
		wantErr string
	}{
		{"valid", func(*Demographics) {}, ""},
		{"under age", func(d *Demographics) { d.Age = 17 }, "age: must be between 18 and 100"},
		{"unknown gender", func(d *Demographics) { d.Gender = "robot" }, "gender: must be one of male, female, other, prefer_not_to_say"},
		{"short phone", func(d *Demographics) { d.Phone = "12345" }, "phone: must be 10 to 15 characters"},
		{"letters in phone", func(d *Demographics) { d.Phone = "010-abcd-5678" }, "phone: contains invalid character 'a'"},
		{"missing likert", func(d *Demographics) { d.RelationshipIntimacy = 0 }, "relationshipIntimacy: is required"},
		{"missing kakao answer", func(d *Demographics) { d.HasUsedKakaoGift = nil }, "hasUsedKakaoGift: is required"},
		{"unknown situation", func(d *Demographics) { d.GiftSituations = []string{"wedding"} }, `giftSituations: unknown situation "wedding"`},
		{"no situations", func(d *Demographics) { d.GiftSituations = nil }, ""},
		{"unknown mindset", func(d *Demographics) { d.GiftMindset = "" }, "giftMindset: must be one of practical, preference, special, other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid()
			tt.mutate(&d)
			err := d.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
