package models

import (
	"strings"
	"testing"
	"time"
)

func TestTrackingBatchValidate(t *testing.T) {
	tests := []struct {
		name    string
		batch   TrackingBatch
		wantErr bool
	}{
		{"dwell only", TrackingBatch{DwellTimes: []DwellTime{{Condition: ConditionFeatureFocused, Duration: 100}}}, false},
		{"session only", TrackingBatch{SessionDuration: &SessionDuration{}}, false},
		{"empty", TrackingBatch{}, true},
		{"negative dwell", TrackingBatch{DwellTimes: []DwellTime{{Condition: ConditionFeatureFocused, Duration: -1}}}, true},
		{"scroll bad condition", TrackingBatch{ScrollPatterns: []ScrollPattern{{Condition: "x"}}}, true},
		{"unknown interaction", TrackingBatch{FirstInteractions: []FirstInteraction{{Condition: ConditionProfileBased, Type: "hover"}}}, true},
		{"valid interaction", TrackingBatch{FirstInteractions: []FirstInteraction{{Condition: ConditionProfileBased, Type: InteractionScroll}}}, false},
		{"bad click", TrackingBatch{ButtonClicks: []ButtonClick{{Condition: ConditionProfileBased, EventType: "click_logo"}}}, true},
		{"long batch id", TrackingBatch{BatchID: strings.Repeat("b", MaxBatchIDLength+1), SessionDuration: &SessionDuration{}}, true},
		{"too many events", TrackingBatch{DwellTimes: make([]DwellTime, MaxTrackingEventsPerBatch+1)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.batch.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestButtonClickValidate(t *testing.T) {
	ok := ButtonClick{Condition: ConditionContextBased, EventType: ClickActionMenu, SubEvent: "wishlist"}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	bad := ok
	bad.SubEvent = "dance"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unknown sub event")
	}
}

func TestTrackingDataMerge(t *testing.T) {
	start := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	data := NewTrackingData(start)
	batch := TrackingBatch{
		BatchID:      "b1",
		DwellTimes:   []DwellTime{{Condition: ConditionFeatureFocused, Duration: 1200}},
		ButtonClicks: []ButtonClick{{Condition: ConditionFeatureFocused, EventType: ClickInfoMenu}},
	}

	if !data.Merge(batch) {
		t.Fatal("first merge should apply")
	}
	if data.Merge(batch) {
		t.Error("repeated batch ID should be ignored")
	}
	if len(data.DwellTimes) != 1 || len(data.ButtonClicks) != 1 {
		t.Errorf("events duplicated: %+v", data)
	}

	end := start.Add(time.Minute)
	total := int64(60000)
	if !data.Merge(TrackingBatch{SessionDuration: &SessionDuration{StartTime: start, EndTime: &end, TotalDuration: &total}}) {
		t.Fatal("batch without ID should always apply")
	}
	if data.SessionDuration.TotalDuration == nil || *data.SessionDuration.TotalDuration != total {
		t.Errorf("session duration not replaced: %+v", data.SessionDuration)
	}

	late := end.Add(time.Hour)
	lateTotal := int64(3660000)
	if !data.Merge(TrackingBatch{
		DwellTimes:      []DwellTime{{Condition: ConditionContextBased, Duration: 300}},
		SessionDuration: &SessionDuration{StartTime: start, EndTime: &late, TotalDuration: &lateTotal},
	}) {
		t.Fatal("late batch should still apply its events")
	}
	if !data.SessionDuration.EndTime.Equal(end) || *data.SessionDuration.TotalDuration != total {
		t.Errorf("closed session was overwritten: %+v", data.SessionDuration)
	}
	if len(data.DwellTimes) != 2 {
		t.Errorf("late batch events dropped: %d dwell times", len(data.DwellTimes))
	}
}
