// Package testutil provides common test fixtures and helpers for GiftExplain tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/GiftExplain/internal/models"
)

// FixedTime is the reference instant used by fixtures.
var FixedTime = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

// Persona returns a valid recipient persona.
func Persona() models.Persona {
	return models.Persona{
		Name:           "Minji",
		Age:            28,
		Gender:         "female",
		PriceRange:     "30000-50000",
		EmotionalState: "Congratulating a friend on a new job",
	}
}

// Content returns a generated product with all three explanations filled in.
func Content() models.GeneratedContent {
	return models.GeneratedContent{
		Product: models.Product{
			Name:        "Ceramic pour-over coffee set",
			Price:       42000,
			Features:    []string{"Hand-glazed dripper", "Two matching cups", "Gift box"},
			Description: "A pour-over set for slow mornings.",
			ImageURL:    "https://images.example.test/coffee-set.png",
		},
		Explanations: models.Explanations{
			FeatureFocused: "Hand-glazed ceramic keeps heat steady for an even brew.",
			ProfileBased:   "People starting a new role often enjoy a calm morning ritual.",
			ContextBased:   "A new job is a fresh start, and this set marks it with care.",
		},
	}
}

// Record returns a freshly started experiment record at step 0 with the given order.
func Record(id string, order models.OrderAssignment) *models.ExperimentRecord {
	content := Content()
	return &models.ExperimentRecord{
		ID:              id,
		Persona:         Persona(),
		Product:         content.Product,
		Explanations:    content.Explanations,
		OrderAssignment: order,
		CurrentStep:     0,
		Responses:       []models.SurveyResponse{},
		TrackingData:    models.NewTrackingData(FixedTime),
		StepHistory:     []models.StepTransition{},
		StartedAt:       FixedTime,
		CreatedAt:       FixedTime,
		UpdatedAt:       FixedTime,
	}
}

// OrderBCA is the profile, context, feature ordering.
func OrderBCA() models.OrderAssignment {
	return models.OrderAssignment{
		Sequence:  [3]models.Condition{models.ConditionProfileBased, models.ConditionContextBased, models.ConditionFeatureFocused},
		OrderType: models.OrderBCA,
	}
}

// SurveyAnswers returns a complete questionnaire where every Likert item is v.
func SurveyAnswers(v int) models.SurveyAnswers {
	return models.SurveyAnswers{
		MC1ExplanationType: models.ManipulationProfile,
		Comprehension1:     v,
		Comprehension2:     v,
		Comprehension3:     v,
		Comprehension4:     v,
		Overload1:          v,
		Overload2:          v,
		Overload3:          v,
		Overload4:          v,
		PerceivedFit1:      v,
		PerceivedFit2:      v,
		PerceivedFit3:      v,
		PurchaseIntent1:    v,
		PurchaseIntent2:    v,
		PurchaseIntent3:    v,
	}
}

// Comparison returns a valid final comparison.
func Comparison() models.FinalComparison {
	yes := true
	return models.FinalComparison{
		DifferentInfoMethods:               &yes,
		ClearDifferences:                   &yes,
		MostComprehensible:                 models.ConditionFeatureFocused,
		MostOverloaded:                     models.ConditionProfileBased,
		PersonalPreference:                 models.ConditionContextBased,
		BestGiftAppropriatenessExplanation: models.ConditionContextBased,
		Reason:                             "The context one matched the occasion.",
		ConfidenceLevel:                    6,
	}
}

// Demographics returns valid participant demographics.
func Demographics() models.Demographics {
	no := false
	return models.Demographics{
		Age:                    31,
		Gender:                 "prefer_not_to_say",
		Phone:                  "010-1234-5678",
		GiftShoppingFrequency:  "sometimes",
		PriceImportance:        4,
		QualityImportance:      6,
		RelationshipImportance: 7,
		RelationshipIntimacy:   5,
		HasUsedKakaoGift:       &no,
		GiftSituations:         []string{"birthday", "gratitude"},
		GiftMindset:            "special",
	}
}

// TB is the part of testing.TB the assertion helpers need.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the JSON envelope and validates its status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != string(expectedStatus) {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
