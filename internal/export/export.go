// Package export flattens experiment records into one row per survey response
// and writes them as JSON, CSV, or XLSX for analysis.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/GiftExplain/internal/models"
	"github.com/xuri/excelize/v2"
)

// Format is an export file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

const (
	responsesSheet    = "Responses"
	participantsSheet = "Participants"
)

// ParseFormat parses a format name. The empty string selects JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", &models.ValidationError{Field: "format", Message: fmt.Sprintf("unsupported export format %q", s)}
	}
}

// ContentType returns the MIME type served for f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json"
	}
}

// Filename returns the attachment file name for f.
func (f Format) Filename() string {
	return "experiments." + string(f)
}

// Row is one survey response joined with its participant's context.
type Row struct {
	ExperimentID string           `json:"experimentId"`
	OrderType    models.OrderType `json:"orderType"`
	Position     int              `json:"position"`
	Condition    models.Condition `json:"condition"`
	StepIndex    int              `json:"stepIndex"`

	models.SurveyAnswers
	MC1Correct         bool    `json:"mc1Correct"`
	ComprehensionMean  float64 `json:"comprehensionMean"`
	OverloadMean       float64 `json:"overloadMean"`
	PerceivedFitMean   float64 `json:"perceivedFitMean"`
	PurchaseIntentMean float64 `json:"purchaseIntentMean"`

	ResponseTimeMs int64  `json:"responseTimeMs"`
	ExposureMs     *int64 `json:"exposureMs"` // from step history; nil when not derivable
	TrackedDwellMs int64  `json:"trackedDwellMs"`
	Clicks         int    `json:"clicks"`

	RecipientAge    int    `json:"recipientAge"`
	RecipientGender string `json:"recipientGender"`
	PriceRange      string `json:"priceRange"`
	ProductName     string `json:"productName"`

	PersonalPreference      models.Condition `json:"personalPreference,omitempty"`
	MostComprehensible      models.Condition `json:"mostComprehensible,omitempty"`
	MostOverloaded          models.Condition `json:"mostOverloaded,omitempty"`
	BestGiftAppropriateness models.Condition `json:"bestGiftAppropriateness,omitempty"`
	ParticipantAge          int              `json:"participantAge,omitempty"`
	ParticipantGender       string           `json:"participantGender,omitempty"`

	Completed   bool      `json:"completed"`
	StartedAt   time.Time `json:"startedAt"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Rows flattens recs in order. Records without responses contribute no rows.
func Rows(recs []*models.ExperimentRecord) []Row {
	rows := make([]Row, 0, len(recs)*3)
	for _, rec := range recs {
		for _, resp := range rec.Responses {
			rows = append(rows, rowFor(rec, resp))
		}
	}
	return rows
}

// exposureStep is the exposure screen shown before the survey at a 1-based position.
func exposureStep(position int) int {
	return 2*position - 1
}

func rowFor(rec *models.ExperimentRecord, resp models.SurveyResponse) Row {
	position := resp.StepIndex
	row := Row{
		ExperimentID:       rec.ID,
		OrderType:          rec.OrderAssignment.OrderType,
		Position:           position,
		Condition:          resp.Condition,
		StepIndex:          resp.StepIndex,
		SurveyAnswers:      resp.SurveyAnswers,
		MC1Correct:         resp.MC1ExplanationType.Condition() == resp.Condition,
		ComprehensionMean:  mean(resp.Comprehension1, resp.Comprehension2, resp.Comprehension3, resp.Comprehension4),
		OverloadMean:       mean(resp.Overload1, resp.Overload2, resp.Overload3, resp.Overload4),
		PerceivedFitMean:   mean(resp.PerceivedFit1, resp.PerceivedFit2, resp.PerceivedFit3),
		PurchaseIntentMean: mean(resp.PurchaseIntent1, resp.PurchaseIntent2, resp.PurchaseIntent3),
		ResponseTimeMs:     resp.ResponseTime,
		ExposureMs:         exposureDuration(rec.StepHistory, exposureStep(position)),
		RecipientAge:       rec.Persona.Age,
		RecipientGender:    rec.Persona.Gender,
		PriceRange:         rec.Persona.PriceRange,
		ProductName:        rec.Product.Name,
		Completed:          rec.IsCompleted(),
		StartedAt:          rec.StartedAt,
		SubmittedAt:        resp.Timestamp,
	}
	for _, d := range rec.TrackingData.DwellTimes {
		if d.Condition == resp.Condition {
			row.TrackedDwellMs += d.Duration
		}
	}
	for _, c := range rec.TrackingData.ButtonClicks {
		if c.Condition == resp.Condition {
			row.Clicks++
		}
	}
	if fc := rec.FinalComparison; fc != nil {
		row.PersonalPreference = fc.PersonalPreference
		row.MostComprehensible = fc.MostComprehensible
		row.MostOverloaded = fc.MostOverloaded
		row.BestGiftAppropriateness = fc.BestGiftAppropriatenessExplanation
	}
	if d := rec.Demographics; d != nil {
		row.ParticipantAge = d.Age
		row.ParticipantGender = d.Gender
	}
	return row
}

func mean(vals ...int) float64 {
	sum := 0
	for _, v := range vals {
		sum += v
	}
	return float64(sum) / float64(len(vals))
}

// exposureDuration is the time between entering and leaving step.
func exposureDuration(history []models.StepTransition, step int) *int64 {
	var entered, left *time.Time
	for i := range history {
		t := history[i]
		if t.To == step {
			entered = &history[i].At
		}
		if t.From == step {
			left = &history[i].At
		}
	}
	if entered == nil || left == nil || left.Before(*entered) {
		return nil
	}
	ms := left.Sub(*entered).Milliseconds()
	return &ms
}

type column struct {
	name  string
	value func(r *Row) interface{}
}

var columns = func() []column {
	cols := []column{
		{"experiment_id", func(r *Row) interface{} { return r.ExperimentID }},
		{"order_type", func(r *Row) interface{} { return string(r.OrderType) }},
		{"position", func(r *Row) interface{} { return r.Position }},
		{"condition", func(r *Row) interface{} { return string(r.Condition) }},
		{"step_index", func(r *Row) interface{} { return r.StepIndex }},
		{"mc1_explanation_type", func(r *Row) interface{} { return string(r.MC1ExplanationType) }},
		{"mc1_correct", func(r *Row) interface{} { return r.MC1Correct }},
	}
	for i, item := range (models.SurveyAnswers{}).LikertItems() {
		cols = append(cols, column{item.Name, func(r *Row) interface{} { return r.LikertItems()[i].Value }})
	}
	return append(cols,
		column{"comprehension_mean", func(r *Row) interface{} { return r.ComprehensionMean }},
		column{"overload_mean", func(r *Row) interface{} { return r.OverloadMean }},
		column{"perceived_fit_mean", func(r *Row) interface{} { return r.PerceivedFitMean }},
		column{"purchase_intent_mean", func(r *Row) interface{} { return r.PurchaseIntentMean }},
		column{"open_feedback", func(r *Row) interface{} { return r.OpenFeedback }},
		column{"response_time_ms", func(r *Row) interface{} { return r.ResponseTimeMs }},
		column{"exposure_ms", func(r *Row) interface{} {
			if r.ExposureMs == nil {
				return nil
			}
			return *r.ExposureMs
		}},
		column{"tracked_dwell_ms", func(r *Row) interface{} { return r.TrackedDwellMs }},
		column{"clicks", func(r *Row) interface{} { return r.Clicks }},
		column{"recipient_age", func(r *Row) interface{} { return r.RecipientAge }},
		column{"recipient_gender", func(r *Row) interface{} { return r.RecipientGender }},
		column{"price_range", func(r *Row) interface{} { return r.PriceRange }},
		column{"product_name", func(r *Row) interface{} { return r.ProductName }},
		column{"personal_preference", func(r *Row) interface{} { return string(r.PersonalPreference) }},
		column{"most_comprehensible", func(r *Row) interface{} { return string(r.MostComprehensible) }},
		column{"most_overloaded", func(r *Row) interface{} { return string(r.MostOverloaded) }},
		column{"best_gift_appropriateness", func(r *Row) interface{} { return string(r.BestGiftAppropriateness) }},
		column{"participant_age", func(r *Row) interface{} { return r.ParticipantAge }},
		column{"participant_gender", func(r *Row) interface{} { return r.ParticipantGender }},
		column{"completed", func(r *Row) interface{} { return r.Completed }},
		column{"started_at", func(r *Row) interface{} { return r.StartedAt.UTC().Format(time.RFC3339) }},
		column{"submitted_at", func(r *Row) interface{} { return r.SubmittedAt.UTC().Format(time.RFC3339) }},
	)
}()

// Header returns the CSV and XLSX column names.
func Header() []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.name
	}
	return names
}

func (r *Row) cells() []interface{} {
	vals := make([]interface{}, len(columns))
	for i, c := range columns {
		vals[i] = c.value(r)
	}
	return vals
}

// Strings renders r in Header order, as written to CSV.
func (r *Row) Strings() []string {
	cells := r.cells()
	out := make([]string, len(cells))
	for i, v := range cells {
		out[i] = formatCell(v)
	}
	return out
}

func formatCell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', 2, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// Write renders recs to w in format f.
func Write(w io.Writer, f Format, recs []*models.ExperimentRecord) error {
	rows := Rows(recs)
	switch f {
	case FormatCSV:
		return writeCSV(w, rows)
	case FormatXLSX:
		return writeXLSX(w, rows, recs)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	default:
		return fmt.Errorf("unsupported export format %q", f)
	}
}

func writeCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header()); err != nil {
		return err
	}
	for i := range rows {
		if err := cw.Write(rows[i].Strings()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

var participantHeader = []interface{}{
	"experiment_id", "order_type", "current_step", "responses", "completed", "started_at", "completed_at", "duration_s",
}

func writeXLSX(w io.Writer, rows []Row, recs []*models.ExperimentRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", responsesSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	header := make([]interface{}, 0, len(columns))
	for _, name := range Header() {
		header = append(header, name)
	}
	if err := f.SetSheetRow(responsesSheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i := range rows {
		cells := rows[i].cells()
		if err := setRow(f, responsesSheet, i+2, &cells); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(participantsSheet); err != nil {
		return fmt.Errorf("failed to add sheet: %w", err)
	}
	if err := f.SetSheetRow(participantsSheet, "A1", &participantHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i, rec := range recs {
		cells := []interface{}{
			rec.ID, string(rec.OrderAssignment.OrderType), rec.CurrentStep, len(rec.Responses),
			rec.IsCompleted(), rec.StartedAt.UTC().Format(time.RFC3339), nil, nil,
		}
		if rec.CompletedAt != nil {
			cells[6] = rec.CompletedAt.UTC().Format(time.RFC3339)
			cells[7] = rec.CompletedAt.Sub(rec.StartedAt).Seconds()
		}
		if err := setRow(f, participantsSheet, i+2, &cells); err != nil {
			return err
		}
	}

	if err := f.SetPanes(responsesSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("failed to freeze header: %w", err)
	}
	_, err := f.WriteTo(w)
	return err
}

func setRow(f *excelize.File, sheet string, rowNum int, cells *[]interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, cells); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, rowNum, err)
	}
	return nil
}
