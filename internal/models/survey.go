package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// ManipulationCheck is the participant's single-choice guess of the explanation style.
type ManipulationCheck string

const (
	ManipulationFeature ManipulationCheck = "feature"
	ManipulationProfile ManipulationCheck = "profile"
	ManipulationIntent  ManipulationCheck = "intent"
)

// IsValid reports whether m is one of the declared choices.
func (m ManipulationCheck) IsValid() bool {
	switch m {
	case ManipulationFeature, ManipulationProfile, ManipulationIntent:
		return true
	default:
		return false
	}
}

// Condition returns the explanation style the choice names.
func (m ManipulationCheck) Condition() Condition {
	switch m {
	case ManipulationFeature:
		return ConditionFeatureFocused
	case ManipulationProfile:
		return ConditionProfileBased
	case ManipulationIntent:
		return ConditionContextBased
	default:
		return ""
	}
}

// Survey bounds
const (
	// MaxOpenFeedbackLength is the maximum length, in characters, of free-text feedback
	MaxOpenFeedbackLength = 2000
	// MaxResponseTimeMs caps the self-reported response time at one day
	MaxResponseTimeMs = int64(24 * time.Hour / time.Millisecond)
)

// SurveyAnswers holds the per-condition questionnaire: the manipulation check and
// fourteen 1..7 Likert items grouped by construct.
type SurveyAnswers struct {
	MC1ExplanationType ManipulationCheck `json:"mc1_explanationType"`

	Comprehension1 int `json:"comprehension1"`
	Comprehension2 int `json:"comprehension2"`
	Comprehension3 int `json:"comprehension3"`
	Comprehension4 int `json:"comprehension4"`

	Overload1 int `json:"overload1"`
	Overload2 int `json:"overload2"`
	Overload3 int `json:"overload3"`
	Overload4 int `json:"overload4"`

	PerceivedFit1 int `json:"perceivedFit1"`
	PerceivedFit2 int `json:"perceivedFit2"`
	PerceivedFit3 int `json:"perceivedFit3"`

	PurchaseIntent1 int `json:"purchaseIntent1"`
	PurchaseIntent2 int `json:"purchaseIntent2"`
	PurchaseIntent3 int `json:"purchaseIntent3"`

	OpenFeedback string `json:"openFeedback,omitempty"`
}

// LikertItem is a named Likert value, used for validation and flat exports.
type LikertItem struct {
	Name  string
	Value int
}

// LikertItems returns the Likert answers in questionnaire order.
func (a SurveyAnswers) LikertItems() []LikertItem {
	return []LikertItem{
		{"comprehension1", a.Comprehension1},
		{"comprehension2", a.Comprehension2},
		{"comprehension3", a.Comprehension3},
		{"comprehension4", a.Comprehension4},
		{"overload1", a.Overload1},
		{"overload2", a.Overload2},
		{"overload3", a.Overload3},
		{"overload4", a.Overload4},
		{"perceivedFit1", a.PerceivedFit1},
		{"perceivedFit2", a.PerceivedFit2},
		{"perceivedFit3", a.PerceivedFit3},
		{"purchaseIntent1", a.PurchaseIntent1},
		{"purchaseIntent2", a.PurchaseIntent2},
		{"purchaseIntent3", a.PurchaseIntent3},
	}
}

// Validate rejects the whole questionnaire if any required item is missing or out of range.
func (a SurveyAnswers) Validate() error {
	if a.MC1ExplanationType == "" {
		return invalid("mc1_explanationType", "is required")
	}
	if !a.MC1ExplanationType.IsValid() {
		return invalid("mc1_explanationType", "must be one of feature, profile, intent")
	}
	for _, item := range a.LikertItems() {
		if err := checkLikert(item.Name, item.Value); err != nil {
			return err
		}
	}
	if utf8.RuneCountInString(a.OpenFeedback) > MaxOpenFeedbackLength {
		return invalid("openFeedback", "exceeds maximum length of %d", MaxOpenFeedbackLength)
	}
	return nil
}

// SurveySubmission is the request body of a survey submit. Condition and StepIndex
// are optional; when present they must match the values the server derives.
type SurveySubmission struct {
	Condition    Condition `json:"condition,omitempty"`
	StepIndex    int       `json:"stepIndex,omitempty"`
	ResponseTime int64     `json:"responseTime"`
	SurveyAnswers
}

// Validate validates the payload independently of experiment state.
func (s *SurveySubmission) Validate() error {
	if err := s.SurveyAnswers.Validate(); err != nil {
		return err
	}
	if s.ResponseTime < 0 || s.ResponseTime > MaxResponseTimeMs {
		return invalid("responseTime", "must be between 0 and %d ms", MaxResponseTimeMs)
	}
	if s.StepIndex < 0 || s.StepIndex > 3 {
		return invalid("stepIndex", "must be 1, 2 or 3")
	}
	return nil
}

// SurveyResponse is one recorded questionnaire, tagged with its condition and position.
type SurveyResponse struct {
	Condition Condition `json:"condition"`
	StepIndex int       `json:"stepIndex"`
	SurveyAnswers
	ResponseTime int64     `json:"responseTime"`
	Timestamp    time.Time `json:"timestamp"`
}

// FinalComparison is the cross-condition comparison submitted after all exposures.
type FinalComparison struct {
	DifferentInfoMethods *bool `json:"differentInfoMethods"`
	ClearDifferences     *bool `json:"clearDifferences"`

	MostComprehensible                 Condition `json:"mostComprehensible"`
	MostOverloaded                     Condition `json:"mostOverloaded"`
	PersonalPreference                 Condition `json:"personalPreference"`
	BestGiftAppropriatenessExplanation Condition `json:"bestGiftAppropriatenessExplanation"`

	Reason          string `json:"reason,omitempty"`
	ConfidenceLevel int    `json:"confidenceLevel,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Validate validates a FinalComparison.
func (f *FinalComparison) Validate() error {
	if f.DifferentInfoMethods == nil {
		return invalid("differentInfoMethods", "is required")
	}
	if f.ClearDifferences == nil {
		return invalid("clearDifferences", "is required")
	}
	choices := []struct {
		name  string
		value Condition
	}{
		{"mostComprehensible", f.MostComprehensible},
		{"mostOverloaded", f.MostOverloaded},
		{"personalPreference", f.PersonalPreference},
		{"bestGiftAppropriatenessExplanation", f.BestGiftAppropriatenessExplanation},
	}
	for _, c := range choices {
		if !c.value.IsValid() {
			return invalid(c.name, "must be one of featureFocused, profileBased, contextBased")
		}
	}
	if f.ConfidenceLevel != 0 {
		if err := checkLikert("confidenceLevel", f.ConfidenceLevel); err != nil {
			return err
		}
	}
	if utf8.RuneCountInString(f.Reason) > MaxOpenFeedbackLength {
		return invalid("reason", "exceeds maximum length of %d", MaxOpenFeedbackLength)
	}
	return nil
}

// Demographics enumerations
var (
	validGenders             = []string{"male", "female", "other", "prefer_not_to_say"}
	validShoppingFrequencies = []string{"never", "rarely", "sometimes", "often", "always"}
	validGiftSituations      = []string{"birthday", "anniversary", "gratitude", "spontaneous", "other"}
	validGiftMindsets        = []string{"practical", "preference", "special", "other"}
	phoneAllowedRunes        = "0123456789+- "
	minPhoneLength           = 10
	maxPhoneLength           = 15
	minParticipantAge        = 18
	maxParticipantAge        = 100
)

// Demographics describes the participant, collected on the last screen.
type Demographics struct {
	Age                   int    `json:"age"`
	Gender                string `json:"gender"`
	Phone                 string `json:"phone"`
	GiftShoppingFrequency string `json:"giftShoppingFrequency"`

	PriceImportance        int `json:"priceImportance"`
	QualityImportance      int `json:"qualityImportance"`
	RelationshipImportance int `json:"relationshipImportance"`
	RelationshipIntimacy   int `json:"relationshipIntimacy"`

	HasUsedKakaoGift *bool    `json:"hasUsedKakaoGift"`
	GiftSituations   []string `json:"giftSituations"`
	GiftMindset      string   `json:"giftMindset"`
}

// Validate validates Demographics.
func (d *Demographics) Validate() error {
	if d.Age < minParticipantAge || d.Age > maxParticipantAge {
		return invalid("age", "must be between %d and %d", minParticipantAge, maxParticipantAge)
	}
	if !oneOf(d.Gender, validGenders) {
		return invalid("gender", "must be one of %s", strings.Join(validGenders, ", "))
	}
	if err := validatePhone(d.Phone); err != nil {
		return err
	}
	if !oneOf(d.GiftShoppingFrequency, validShoppingFrequencies) {
		return invalid("giftShoppingFrequency", "must be one of %s", strings.Join(validShoppingFrequencies, ", "))
	}
	likert := []LikertItem{
		{"priceImportance", d.PriceImportance},
		{"qualityImportance", d.QualityImportance},
		{"relationshipImportance", d.RelationshipImportance},
		{"relationshipIntimacy", d.RelationshipIntimacy},
	}
	for _, item := range likert {
		if err := checkLikert(item.Name, item.Value); err != nil {
			return err
		}
	}
	if d.HasUsedKakaoGift == nil {
		return invalid("hasUsedKakaoGift", "is required")
	}
	for _, s := range d.GiftSituations {
		if !oneOf(s, validGiftSituations) {
			return invalid("giftSituations", "unknown situation %q", s)
		}
	}
	if !oneOf(d.GiftMindset, validGiftMindsets) {
		return invalid("giftMindset", "must be one of %s", strings.Join(validGiftMindsets, ", "))
	}
	return nil
}

func validatePhone(phone string) error {
	n := len(phone)
	if n < minPhoneLength || n > maxPhoneLength {
		return invalid("phone", "must be %d to %d characters", minPhoneLength, maxPhoneLength)
	}
	for _, r := range phone {
		if !strings.ContainsRune(phoneAllowedRunes, r) {
			return invalid("phone", "contains invalid character %q", r)
		}
	}
	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
