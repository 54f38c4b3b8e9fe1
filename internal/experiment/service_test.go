package experiment

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/GiftExplain/internal/models"
	"github.com/BTreeMap/GiftExplain/internal/store"
	"github.com/BTreeMap/GiftExplain/internal/testutil"
	"github.com/google/go-cmp/cmp"
)

type fakeGenerator struct {
	content  models.GeneratedContent
	err      error
	share    string
	shareErr error
	calls    int
}

func (f *fakeGenerator) Generate(context.Context, models.Persona) (models.GeneratedContent, error) {
	f.calls++
	return f.content, f.err
}

func (f *fakeGenerator) ShareMessage(context.Context, models.Persona, models.Product, models.Condition) (string, error) {
	return f.share, f.shareErr
}

// stepClock advances one second per call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type countingRecorder struct {
	noopRecorder
	started, completed int
	rejected           []string
}

func (r *countingRecorder) ExperimentStarted(models.OrderType) { r.started++ }
func (r *countingRecorder) ExperimentCompleted(models.OrderType, time.Duration) {
	r.completed++
}
func (r *countingRecorder) OperationRejected(op, reason string) {
	r.rejected = append(r.rejected, op+":"+reason)
}

type prefixSealer struct{}

func (prefixSealer) SealPhone(phone string) (string, error) { return "sealed:" + phone, nil }

// bcaIndex is the Latin-square row of the BCA order.
const bcaIndex = 3

func newTestService(t *testing.T, opts ...Option) (*Service, *fakeGenerator, store.Store) {
	t.Helper()
	gen := &fakeGenerator{content: testutil.Content(), share: "Enjoy your coffee!"}
	st := store.NewInMemoryStore()
	clock := &stepClock{now: testutil.FixedTime}
	base := []Option{
		WithStore(st),
		WithGenerator(gen),
		WithRandomSource(fixedSource{idx: bcaIndex}),
		WithClock(clock.Now),
	}
	svc, err := NewService(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc, gen, st
}

func mustStart(t *testing.T, svc *Service) *models.ExperimentRecord {
	t.Helper()
	rec, err := svc.Start(context.Background(), testutil.Persona())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return rec
}

func advance(t *testing.T, svc *Service, id string, to Step) *models.ExperimentRecord {
	t.Helper()
	rec, err := svc.AdvanceStep(context.Background(), id, int(to))
	if err != nil {
		t.Fatalf("AdvanceStep(%d) failed: %v", to, err)
	}
	if rec.CurrentStep != int(to) {
		t.Fatalf("AdvanceStep(%d) left step at %d", to, rec.CurrentStep)
	}
	return rec
}

func survey(t *testing.T, svc *Service, id string, c models.Condition, idx int) *models.ExperimentRecord {
	t.Helper()
	rec, err := svc.SubmitSurvey(context.Background(), id, models.SurveySubmission{
		Condition:     c,
		StepIndex:     idx,
		ResponseTime:  15000,
		SurveyAnswers: testutil.SurveyAnswers(5),
	})
	if err != nil {
		t.Fatalf("SubmitSurvey(%s, %d) failed: %v", c, idx, err)
	}
	return rec
}

func currentStepOf(err error) (Step, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.CurrentStep, true
	}
	return 0, false
}

func TestEndToEndBCA(t *testing.T) {
	ctx := context.Background()
	recorder := &countingRecorder{}
	svc, _, _ := newTestService(t, WithRecorder(recorder))

	rec := mustStart(t, svc)
	if rec.CurrentStep != 0 {
		t.Fatalf("new experiment at step %d, want 0", rec.CurrentStep)
	}
	wantSeq := [3]models.Condition{models.ConditionProfileBased, models.ConditionContextBased, models.ConditionFeatureFocused}
	if rec.OrderAssignment.OrderType != models.OrderBCA || rec.OrderAssignment.Sequence != wantSeq {
		t.Fatalf("order = %+v, want BCA", rec.OrderAssignment)
	}
	id := rec.ID

	advance(t, svc, id, StepExposure1)
	advance(t, svc, id, StepSurvey1)
	if rec = survey(t, svc, id, models.ConditionProfileBased, 1); rec.CurrentStep != int(StepExposure2) {
		t.Fatalf("survey 1 left step at %d, want 3", rec.CurrentStep)
	}
	advance(t, svc, id, StepSurvey2)
	survey(t, svc, id, models.ConditionContextBased, 2)
	advance(t, svc, id, StepSurvey3)
	if rec = survey(t, svc, id, models.ConditionFeatureFocused, 3); rec.CurrentStep != int(StepComparison) {
		t.Fatalf("survey 3 left step at %d, want 7", rec.CurrentStep)
	}

	rec, err := svc.SubmitComparison(ctx, id, testutil.Comparison())
	if err != nil {
		t.Fatalf("SubmitComparison failed: %v", err)
	}
	if rec.CurrentStep != int(StepDemographics) {
		t.Fatalf("comparison left step at %d, want 8", rec.CurrentStep)
	}

	rec, err = svc.SubmitDemographics(ctx, id, testutil.Demographics())
	if err != nil {
		t.Fatalf("SubmitDemographics failed: %v", err)
	}
	if rec.CurrentStep != int(StepCompleted) || rec.CompletedAt == nil {
		t.Fatalf("expected completed experiment, got step %d completedAt %v", rec.CurrentStep, rec.CompletedAt)
	}
	if len(rec.Responses) != 3 {
		t.Fatalf("responses = %d, want 3", len(rec.Responses))
	}

	wantTags := []struct {
		c   models.Condition
		idx int
	}{
		{models.ConditionProfileBased, 1},
		{models.ConditionContextBased, 2},
		{models.ConditionFeatureFocused, 3},
	}
	for i, w := range wantTags {
		if rec.Responses[i].Condition != w.c || rec.Responses[i].StepIndex != w.idx {
			t.Errorf("response %d tagged (%s, %d), want (%s, %d)", i, rec.Responses[i].Condition, rec.Responses[i].StepIndex, w.c, w.idx)
		}
	}

	if len(rec.StepHistory) != 9 {
		t.Fatalf("step history has %d entries, want 9", len(rec.StepHistory))
	}
	for i, tr := range rec.StepHistory {
		if tr.From != i || tr.To != i+1 {
			t.Errorf("history[%d] = %d -> %d, want %d -> %d", i, tr.From, tr.To, i, i+1)
		}
		if i > 0 && !tr.At.After(rec.StepHistory[i-1].At) {
			t.Errorf("history[%d] timestamp not increasing", i)
		}
	}
	if rec.TrackingData.SessionDuration.EndTime == nil || rec.TrackingData.SessionDuration.TotalDuration == nil {
		t.Error("completion must close the session duration")
	}
	if recorder.started != 1 || recorder.completed != 1 {
		t.Errorf("recorder started=%d completed=%d, want 1/1", recorder.started, recorder.completed)
	}
}

func TestAdvanceStepIsMonotonic(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	rec := mustStart(t, svc)
	advance(t, svc, rec.ID, StepExposure1)

	same, err := svc.AdvanceStep(ctx, rec.ID, int(StepExposure1))
	if err != nil {
		t.Fatalf("repeating the current step must succeed, got %v", err)
	}
	if same.CurrentStep != int(StepExposure1) || len(same.StepHistory) != 1 {
		t.Errorf("idempotent advance changed state: step %d history %d", same.CurrentStep, len(same.StepHistory))
	}

	for _, to := range []int{0, 3, 9, 10, -1} {
		_, err := svc.AdvanceStep(ctx, rec.ID, to)
		if !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("AdvanceStep(%d) error = %v, want ErrIllegalTransition", to, err)
		}
		if cur, ok := currentStepOf(err); !ok || cur != StepExposure1 {
			t.Errorf("AdvanceStep(%d) conflict should report step 1, got %v", to, err)
		}
	}

	got, _ := svc.Get(ctx, rec.ID)
	if got.CurrentStep != int(StepExposure1) {
		t.Errorf("rejected transitions changed step to %d", got.CurrentStep)
	}
}

func TestAdvanceStepRequiresStepData(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	rec := mustStart(t, svc)
	advance(t, svc, rec.ID, StepExposure1)
	advance(t, svc, rec.ID, StepSurvey1)

	_, err := svc.AdvanceStep(ctx, rec.ID, int(StepExposure2))
	if !errors.Is(err, ErrStepDataMissing) {
		t.Fatalf("leaving a survey without answers: got %v, want ErrStepDataMissing", err)
	}
	if Classify(err) != ReasonTransition {
		t.Errorf("Classify = %s, want transition", Classify(err))
	}
}

func TestSurveyValidationCompleteness(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	rec := mustStart(t, svc)
	advance(t, svc, rec.ID, StepExposure1)
	advance(t, svc, rec.ID, StepSurvey1)

	items := testutil.SurveyAnswers(4).LikertItems()
	for _, item := range items {
		for _, bad := range []int{0, 8, -1} {
			answers := testutil.SurveyAnswers(4)
			setLikert(&answers, item.Name, bad)
			_, err := svc.SubmitSurvey(ctx, rec.ID, models.SurveySubmission{SurveyAnswers: answers})
			if !errors.Is(err, models.ErrValidation) {
				t.Errorf("%s=%d: expected validation error, got %v", item.Name, bad, err)
			}
		}
	}

	badMC := testutil.SurveyAnswers(4)
	badMC.MC1ExplanationType = "emotion"
	if _, err := svc.SubmitSurvey(ctx, rec.ID, models.SurveySubmission{SurveyAnswers: badMC}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("invalid manipulation check accepted: %v", err)
	}

	got, _ := svc.Get(ctx, rec.ID)
	if len(got.Responses) != 0 || got.CurrentStep != int(StepSurvey1) {
		t.Errorf("rejected surveys mutated state: responses %d step %d", len(got.Responses), got.CurrentStep)
	}
}

func setLikert(a *models.SurveyAnswers, name string, v int) {
	fields := map[string]*int{
		"comprehension1": &a.Comprehension1, "comprehension2": &a.Comprehension2,
		"comprehension3": &a.Comprehension3, "comprehension4": &a.Comprehension4,
		"overload1": &a.Overload1, "overload2": &a.Overload2,
		"overload3": &a.Overload3, "overload4": &a.Overload4,
		"perceivedFit1": &a.PerceivedFit1, "perceivedFit2": &a.PerceivedFit2, "perceivedFit3": &a.PerceivedFit3,
		"purchaseIntent1": &a.PurchaseIntent1, "purchaseIntent2": &a.PurchaseIntent2, "purchaseIntent3": &a.PurchaseIntent3,
	}
	*fields[name] = v
}

func TestSurveyTaggingIsServerDerived(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	rec := mustStart(t, svc)
	advance(t, svc, rec.ID, StepExposure1)
	advance(t, svc, rec.ID, StepSurvey1)

	_, err := svc.SubmitSurvey(ctx, rec.ID, models.SurveySubmission{
		Condition:     models.ConditionFeatureFocused,
		SurveyAnswers: testutil.SurveyAnswers(3),
	})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("mismatched condition: got %v, want validation error", err)
	}
	_, err = svc.SubmitSurvey(ctx, rec.ID, models.SurveySubmission{
		StepIndex:     2,
		SurveyAnswers: testutil.SurveyAnswers(3),
	})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("mismatched step index: got %v, want validation error", err)
	}

	got, err := svc.SubmitSurvey(ctx, rec.ID, models.SurveySubmission{SurveyAnswers: testutil.SurveyAnswers(3)})
	if err != nil {
		t.Fatalf("untagged survey failed: %v", err)
	}
	if got.Responses[0].Condition != models.ConditionProfileBased || got.Responses[0].StepIndex != 1 {
		t.Errorf("server-derived tags = (%s, %d), want (profileBased, 1)", got.Responses[0].Condition, got.Responses[0].StepIndex)
	}
}

func TestDuplicateSurveyRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	rec := mustStart(t, svc)
	advance(t, svc, rec.ID, StepExposure1)
	advance(t, svc, rec.ID, StepSurvey1)
	survey(t, svc, rec.ID, models.ConditionProfileBased, 1)

	_, err := svc.SubmitSurvey(ctx, rec.ID, models.SurveySubmission{
		Condition:     models.ConditionProfileBased,
		StepIndex:     1,
		SurveyAnswers: testutil.SurveyAnswers(2),
	})
	if !errors.Is(err, ErrDuplicateSubmission) {
		t.Fatalf("retry of survey 1: got %v, want ErrDuplicateSubmission", err)
	}
	if cur, _ := currentStepOf(err); cur != StepExposure2 {
		t.Errorf("conflict reports step %d, want 3", cur)
	}

	_, err = svc.SubmitSurvey(ctx, rec.ID, models.SurveySubmission{SurveyAnswers: testutil.SurveyAnswers(2)})
	if !errors.Is(err, ErrWrongStep) {
		t.Errorf("untagged survey on exposure screen: got %v, want ErrWrongStep", err)
	}

	got, _ := svc.Get(ctx, rec.ID)
	if len(got.Responses) != 1 || got.Responses[0].Comprehension1 != 5 {
		t.Errorf("first response must be kept unchanged, got %+v", got.Responses)
	}
}

func TestComparisonGates(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	rec := mustStart(t, svc)

	if _, err := svc.SubmitComparison(ctx, rec.ID, testutil.Comparison()); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("comparison at step 0: got %v, want ErrWrongStep", err)
	}

	walkToComparison(t, svc, rec.ID)
	first, err := svc.SubmitComparison(ctx, rec.ID, testutil.Comparison())
	if err != nil {
		t.Fatalf("SubmitComparison failed: %v", err)
	}

	revised := testutil.Comparison()
	revised.PersonalPreference = models.ConditionFeatureFocused
	second, err := svc.SubmitComparison(ctx, rec.ID, revised)
	if err != nil {
		t.Fatalf("overwrite at step 8 failed: %v", err)
	}
	if second.CurrentStep != first.CurrentStep {
		t.Errorf("overwrite moved step from %d to %d", first.CurrentStep, second.CurrentStep)
	}
	if second.FinalComparison.PersonalPreference != models.ConditionFeatureFocused {
		t.Error("second comparison must overwrite the first")
	}

	if _, err := svc.SubmitDemographics(ctx, rec.ID, testutil.Demographics()); err != nil {
		t.Fatalf("SubmitDemographics failed: %v", err)
	}
	if _, err := svc.SubmitComparison(ctx, rec.ID, testutil.Comparison()); !errors.Is(err, ErrCompleted) {
		t.Errorf("comparison after completion: got %v, want ErrCompleted", err)
	}
}

func walkToComparison(t *testing.T, svc *Service, id string) {
	t.Helper()
	seq := []models.Condition{models.ConditionProfileBased, models.ConditionContextBased, models.ConditionFeatureFocused}
	for i, c := range seq {
		advance(t, svc, id, Step(2*i+1))
		advance(t, svc, id, Step(2*i+2))
		survey(t, svc, id, c, i+1)
	}
}

func TestDemographicsSetOnce(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, WithPhoneSealer(prefixSealer{}))
	rec := mustStart(t, svc)

	if _, err := svc.SubmitDemographics(ctx, rec.ID, testutil.Demographics()); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("demographics at step 0: got %v, want ErrWrongStep", err)
	}

	walkToComparison(t, svc, rec.ID)
	if _, err := svc.SubmitComparison(ctx, rec.ID, testutil.Comparison()); err != nil {
		t.Fatalf("SubmitComparison failed: %v", err)
	}
	done, err := svc.SubmitDemographics(ctx, rec.ID, testutil.Demographics())
	if err != nil {
		t.Fatalf("SubmitDemographics failed: %v", err)
	}
	if done.Demographics.Phone != "sealed:010-1234-5678" {
		t.Errorf("phone stored as %q, want sealed value", done.Demographics.Phone)
	}
	completedAt := *done.CompletedAt

	again := testutil.Demographics()
	again.Age = 45
	over, err := svc.SubmitDemographics(ctx, rec.ID, again)
	if err != nil {
		t.Fatalf("overwrite after completion failed: %v", err)
	}
	if over.Demographics.Age != 45 {
		t.Error("demographics overwrite was not applied")
	}
	if !over.CompletedAt.Equal(completedAt) {
		t.Errorf("completedAt changed from %v to %v", completedAt, *over.CompletedAt)
	}
	if over.CurrentStep != int(StepCompleted) || len(over.StepHistory) != len(done.StepHistory) {
		t.Error("overwrite must not transition")
	}
}

func TestStartFailuresStoreNothing(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		opts    []Option
		gen     func(*fakeGenerator)
		persona func(*models.Persona)
		wantErr error
	}{
		{
			name:    "random source failure",
			opts:    []Option{WithRandomSource(fixedSource{err: errors.New("no entropy")})},
			wantErr: ErrRandomUnavailable,
		},
		{
			name:    "generator failure",
			gen:     func(g *fakeGenerator) { g.err = errors.New("upstream 500") },
			wantErr: ErrGeneration,
		},
		{
			name:    "incomplete content",
			gen:     func(g *fakeGenerator) { g.content.Explanations.ContextBased = "" },
			wantErr: ErrGeneration,
		},
		{
			name:    "invalid persona",
			persona: func(p *models.Persona) { p.Age = 0 },
			wantErr: models.ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, gen, st := newTestService(t, tt.opts...)
			if tt.gen != nil {
				tt.gen(gen)
			}
			persona := testutil.Persona()
			if tt.persona != nil {
				tt.persona(&persona)
			}
			if _, err := svc.Start(ctx, persona); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start error = %v, want %v", err, tt.wantErr)
			}
			recs, _ := st.ListExperiments(ctx)
			if len(recs) != 0 {
				t.Errorf("failed start stored %d records", len(recs))
			}
		})
	}
}

func TestResumeAfterRestart(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "resume.db")

	st1, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	svc1, _, _ := newTestService(t, WithStore(st1))
	rec := mustStart(t, svc1)
	advance(t, svc1, rec.ID, StepExposure1)
	advance(t, svc1, rec.ID, StepSurvey1)
	survey(t, svc1, rec.ID, models.ConditionProfileBased, 1)
	before, _ := svc1.Get(ctx, rec.ID)
	st1.Close()

	st2, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st2.Close()
	svc2, _, _ := newTestService(t, WithStore(st2))
	after, screen, err := svc2.Resume(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("record changed across restart (-before +after):\n%s", diff)
	}
	if screen.Step != int(StepExposure2) || screen.Kind != ScreenExposure || screen.Condition != models.ConditionContextBased {
		t.Errorf("resume screen = %+v, want exposure 2 of contextBased", screen)
	}
}

func TestTrackingBatchIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	rec := mustStart(t, svc)

	batch := models.TrackingBatch{
		BatchID: "batch-1",
		DwellTimes: []models.DwellTime{{
			Condition: models.ConditionProfileBased,
			StartTime: testutil.FixedTime,
			EndTime:   testutil.FixedTime.Add(5 * time.Second),
			Duration:  5000,
		}},
	}
	_, applied, err := svc.RecordTracking(ctx, rec.ID, batch)
	if err != nil || !applied {
		t.Fatalf("first batch: applied=%v err=%v", applied, err)
	}
	got, applied, err := svc.RecordTracking(ctx, rec.ID, batch)
	if err != nil || applied {
		t.Fatalf("replayed batch: applied=%v err=%v", applied, err)
	}
	if len(got.TrackingData.DwellTimes) != 1 {
		t.Errorf("replayed batch duplicated events: %d dwell times", len(got.TrackingData.DwellTimes))
	}

	if _, _, err := svc.RecordTracking(ctx, rec.ID, models.TrackingBatch{}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("empty batch: got %v, want validation error", err)
	}
}

func TestRecordClick(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	rec := mustStart(t, svc)

	got, err := svc.RecordClick(ctx, rec.ID, models.ButtonClick{
		Condition: models.ConditionContextBased,
		EventType: models.ClickActionMenu,
		SubEvent:  "wishlist",
	})
	if err != nil {
		t.Fatalf("RecordClick failed: %v", err)
	}
	clicks := got.TrackingData.ButtonClicks
	if len(clicks) != 1 || clicks[0].Timestamp.IsZero() {
		t.Errorf("click not recorded with timestamp: %+v", clicks)
	}

	_, err = svc.RecordClick(ctx, rec.ID, models.ButtonClick{Condition: "emotional", EventType: models.ClickInfoMenu})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("invalid condition: got %v, want validation error", err)
	}
}

func TestUpdateRecipientOnlyAtWelcome(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	rec := mustStart(t, svc)

	got, err := svc.UpdateRecipient(ctx, rec.ID, models.RecipientUpdate{Name: "Jisoo", Age: 33, Gender: "male"})
	if err != nil {
		t.Fatalf("UpdateRecipient failed: %v", err)
	}
	if got.Persona.Name != "Jisoo" || got.Persona.PriceRange != testutil.Persona().PriceRange {
		t.Errorf("persona after update = %+v", got.Persona)
	}

	if _, err := svc.UpdateRecipient(ctx, rec.ID, models.RecipientUpdate{Name: "", Age: 33, Gender: "male"}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("empty name: got %v, want validation error", err)
	}

	advance(t, svc, rec.ID, StepExposure1)
	if _, err := svc.UpdateRecipient(ctx, rec.ID, models.RecipientUpdate{Name: "Late", Age: 30, Gender: "male"}); !errors.Is(err, ErrWrongStep) {
		t.Errorf("update after exposure: got %v, want ErrWrongStep", err)
	}
}

func TestShareMessage(t *testing.T) {
	ctx := context.Background()
	svc, gen, _ := newTestService(t)
	rec := mustStart(t, svc)

	if _, err := svc.ShareMessage(ctx, rec.ID); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("share before comparison: got %v, want ErrWrongStep", err)
	}

	walkToComparison(t, svc, rec.ID)
	if _, err := svc.SubmitComparison(ctx, rec.ID, testutil.Comparison()); err != nil {
		t.Fatalf("SubmitComparison failed: %v", err)
	}
	msg, err := svc.ShareMessage(ctx, rec.ID)
	if err != nil || msg != "Enjoy your coffee!" {
		t.Errorf("ShareMessage = %q, %v", msg, err)
	}

	gen.shareErr = errors.New("timeout")
	msg, err = svc.ShareMessage(ctx, rec.ID)
	if err != nil {
		t.Fatalf("fallback path returned error: %v", err)
	}
	if want := FallbackShareMessage(rec.Persona, rec.Product); msg != want {
		t.Errorf("fallback = %q, want %q", msg, want)
	}
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	if _, err := svc.AdvanceStep(ctx, "exp_missing", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("AdvanceStep on missing id: %v", err)
	}
	if _, _, err := svc.Resume(ctx, "exp_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resume on missing id: %v", err)
	}
	if Classify(ErrNotFound) != ReasonNotFound {
		t.Error("ErrNotFound must classify as not_found")
	}
}

func TestConcurrentSurveySubmitsRecordOnce(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	rec := mustStart(t, svc)
	advance(t, svc, rec.ID, StepExposure1)
	advance(t, svc, rec.ID, StepSurvey1)

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SubmitSurvey(ctx, rec.ID, models.SurveySubmission{StepIndex: 1, SurveyAnswers: testutil.SurveyAnswers(6)})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, _ := svc.Get(ctx, rec.ID)
	if succeeded != 1 || len(got.Responses) != 1 {
		t.Errorf("concurrent submits: %d succeeded, %d stored; want exactly 1", succeeded, len(got.Responses))
	}
}

func TestBalance(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, WithRandomSource(NewSeededSource(7, 11)))
	for i := 0; i < 12; i++ {
		mustStart(t, svc)
	}
	report, err := svc.Balance(ctx)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if report.Total != 12 || report.DegreesOfFreedom != 5 {
		t.Errorf("report total=%d df=%d", report.Total, report.DegreesOfFreedom)
	}
	sum := 0
	for _, n := range report.OrderCounts {
		sum += n
	}
	if sum != 12 {
		t.Errorf("order counts sum to %d, want 12", sum)
	}
	for pos := 1; pos <= 3; pos++ {
		total := 0
		for _, n := range report.PositionCounts[pos] {
			total += n
		}
		if total != 12 {
			t.Errorf("position %d counts sum to %d, want 12", pos, total)
		}
	}
}

var errDiskIO = errors.New("disk I/O error")

// failingStore runs updates against a copy and then reports a commit failure
// while failUpdates is set. It counts every call that reaches the store.
type failingStore struct {
	store.Store
	mu          sync.Mutex
	failUpdates bool
	calls       int
}

func (s *failingStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpdates = v
}

func (s *failingStore) GetExperiment(ctx context.Context, id string) (*models.ExperimentRecord, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.Store.GetExperiment(ctx, id)
}

func (s *failingStore) UpdateExperiment(ctx context.Context, id string, fn store.UpdateFunc) (*models.ExperimentRecord, error) {
	s.mu.Lock()
	s.calls++
	failing := s.failUpdates
	s.mu.Unlock()
	if !failing {
		return s.Store.UpdateExperiment(ctx, id, fn)
	}
	rec, err := s.Store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	return nil, errDiskIO
}

func TestStorageFailureLeavesRecordUnchanged(t *testing.T) {
	ctx := context.Background()
	recorder := &countingRecorder{}
	failing := &failingStore{Store: store.NewInMemoryStore()}
	svc, _, _ := newTestService(t, WithStore(failing), WithRecorder(recorder))

	id := mustStart(t, svc).ID
	advance(t, svc, id, StepExposure1)

	failing.setFailing(true)
	_, err := svc.AdvanceStep(ctx, id, int(StepSurvey1))
	if !errors.Is(err, errDiskIO) || Classify(err) != ReasonStorage {
		t.Fatalf("AdvanceStep with failing store: %v (reason %s)", err, Classify(err))
	}
	failing.setFailing(false)
	rec, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.CurrentStep != int(StepExposure1) || len(rec.StepHistory) != 1 {
		t.Fatalf("failed advance changed the record: step %d, history %v", rec.CurrentStep, rec.StepHistory)
	}

	advance(t, svc, id, StepSurvey1)
	failing.setFailing(true)
	_, err = svc.SubmitSurvey(ctx, id, models.SurveySubmission{
		Condition:     models.ConditionProfileBased,
		StepIndex:     1,
		ResponseTime:  15000,
		SurveyAnswers: testutil.SurveyAnswers(5),
	})
	if Classify(err) != ReasonStorage {
		t.Fatalf("SubmitSurvey with failing store: %v", err)
	}
	failing.setFailing(false)
	rec, err = svc.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.CurrentStep != int(StepSurvey1) || len(rec.Responses) != 0 {
		t.Fatalf("failed survey changed the record: step %d, %d responses", rec.CurrentStep, len(rec.Responses))
	}

	// the same submission succeeds once the store recovers
	rec = survey(t, svc, id, models.ConditionProfileBased, 1)
	if rec.CurrentStep != int(StepExposure2) || len(rec.Responses) != 1 {
		t.Errorf("retry: step %d, %d responses", rec.CurrentStep, len(rec.Responses))
	}

	want := []string{"advance:storage", "survey:storage"}
	if diff := cmp.Diff(want, recorder.rejected); diff != "" {
		t.Errorf("rejections mismatch (-want +got):\n%s", diff)
	}
}

func TestMalformedIDNeverReachesStore(t *testing.T) {
	ctx := context.Background()
	counting := &failingStore{Store: store.NewInMemoryStore()}
	svc, _, _ := newTestService(t, WithStore(counting))

	for _, id := range []string{"", "exp_missing", "../exp_0123", "EXP_0123456789ABCDEF0123456789ABCDEF"} {
		if _, err := svc.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%q): %v", id, err)
		}
		if _, _, err := svc.Resume(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resume(%q): %v", id, err)
		}
		if _, err := svc.AdvanceStep(ctx, id, 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("AdvanceStep(%q): %v", id, err)
		}
		if _, err := svc.ShareMessage(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("ShareMessage(%q): %v", id, err)
		}
	}
	if counting.calls != 0 {
		t.Errorf("malformed IDs reached the store %d times", counting.calls)
	}

	// well-formed but unknown IDs are looked up
	if _, err := svc.Get(ctx, "exp_0123456789abcdef0123456789abcdef"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get on unknown id: %v", err)
	}
	if counting.calls != 1 {
		t.Errorf("store calls = %d, want 1", counting.calls)
	}
}

func TestCustomIDGeneratorValidation(t *testing.T) {
	ctx := context.Background()
	n := 0
	svc, _, _ := newTestService(t, WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("p%03d", n)
	}, nil))

	rec := mustStart(t, svc)
	if rec.ID != "p001" {
		t.Fatalf("ID = %q, want p001", rec.ID)
	}
	if _, err := svc.Get(ctx, rec.ID); err != nil {
		t.Errorf("Get with custom ID: %v", err)
	}
	if _, err := svc.Get(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get with empty ID: %v", err)
	}
}

func TestTrackingAfterCompletionKeepsSessionEnd(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	id := mustStart(t, svc).ID

	advance(t, svc, id, StepExposure1)
	for i, c := range []models.Condition{models.ConditionProfileBased, models.ConditionContextBased, models.ConditionFeatureFocused} {
		advance(t, svc, id, Step(2*(i+1)))
		survey(t, svc, id, c, i+1)
	}
	if _, err := svc.SubmitComparison(ctx, id, testutil.Comparison()); err != nil {
		t.Fatalf("SubmitComparison failed: %v", err)
	}
	done, err := svc.SubmitDemographics(ctx, id, testutil.Demographics())
	if err != nil {
		t.Fatalf("SubmitDemographics failed: %v", err)
	}
	end := *done.TrackingData.SessionDuration.EndTime
	total := *done.TrackingData.SessionDuration.TotalDuration

	late := end.Add(time.Hour)
	lateTotal := total + time.Hour.Milliseconds()
	rec, applied, err := svc.RecordTracking(ctx, id, models.TrackingBatch{
		BatchID:         "unload",
		SessionDuration: &models.SessionDuration{StartTime: testutil.FixedTime, EndTime: &late, TotalDuration: &lateTotal},
	})
	if err != nil || !applied {
		t.Fatalf("RecordTracking after completion: applied=%v err=%v", applied, err)
	}
	got := rec.TrackingData.SessionDuration
	if !got.EndTime.Equal(end) || *got.TotalDuration != total {
		t.Errorf("session end overwritten: end %v total %d, want %v %d", got.EndTime, *got.TotalDuration, end, total)
	}
}
