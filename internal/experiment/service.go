package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/GiftExplain/internal/models"
	"github.com/BTreeMap/GiftExplain/internal/store"
	"github.com/BTreeMap/GiftExplain/internal/util"
)

// Generator produces the product and explanation texts shown during exposure.
type Generator interface {
	Generate(ctx context.Context, persona models.Persona) (models.GeneratedContent, error)
	ShareMessage(ctx context.Context, persona models.Persona, product models.Product, preferred models.Condition) (string, error)
}

// Recorder receives study events. The metrics package implements it.
type Recorder interface {
	ExperimentStarted(order models.OrderType)
	StepAdvanced(from, to int)
	ResponseRecorded(kind string, condition models.Condition)
	ExperimentCompleted(order models.OrderType, elapsed time.Duration)
	OperationRejected(op, reason string)
}

// PhoneSealer protects the demographics phone number before it is persisted.
type PhoneSealer interface {
	SealPhone(phone string) (string, error)
}

type noopRecorder struct{}

func (noopRecorder) ExperimentStarted(models.OrderType) {}
func (noopRecorder) StepAdvanced(int, int) {}
func (noopRecorder) ResponseRecorded(string, models.Condition) {}
func (noopRecorder) ExperimentCompleted(models.OrderType, time.Duration) {}
func (noopRecorder) OperationRejected(string, string) {}

// Opts holds configuration for a Service.
type Opts struct {
	Store     store.Store
	Generator Generator
	Random    RandomSource
	Clock     func() time.Time
	Recorder  Recorder
	Sealer    PhoneSealer
	NewID     func() string
	ValidID   func(string) bool
}

// Option configures a Service.
type Option func(*Opts)

// WithStore sets the record store. Defaults to an in-memory store.
func WithStore(s store.Store) Option {
	return func(o *Opts) { o.Store = s }
}

// WithGenerator sets the content generator.
func WithGenerator(g Generator) Option {
	return func(o *Opts) { o.Generator = g }
}

// WithRandomSource sets the source used by order assignment.
func WithRandomSource(r RandomSource) Option {
	return func(o *Opts) { o.Random = r }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// WithPhoneSealer sets how demographics phone numbers are stored. Without a
// sealer the number is stored as submitted.
func WithPhoneSealer(s PhoneSealer) Option {
	return func(o *Opts) { o.Sealer = s }
}

// WithIDGenerator overrides experiment ID generation. valid reports whether an
// ID could have come from newID; lookups of other IDs fail with ErrNotFound
// without reaching the store. A nil valid accepts any non-empty ID.
func WithIDGenerator(newID func() string, valid func(string) bool) Option {
	return func(o *Opts) {
		o.NewID = newID
		o.ValidID = valid
	}
}

// Service exposes every experiment operation. All mutations go through a single
// store update so that validation, recording, and step advance commit together.
type Service struct {
	store     store.Store
	generator Generator
	random    RandomSource
	now       func() time.Time
	recorder  Recorder
	sealer    PhoneSealer
	newID     func() string
	validID   func(string) bool
}

// NewService creates a Service. A generator is required.
func NewService(opts ...Option) (*Service, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("experiment service requires a generator")
	}
	if cfg.Store == nil {
		cfg.Store = store.NewInMemoryStore()
	}
	if cfg.Random == nil {
		cfg.Random = &MathSource{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	if cfg.NewID == nil {
		cfg.NewID = util.GenerateExperimentID
		cfg.ValidID = util.IsExperimentID
	}
	if cfg.ValidID == nil {
		cfg.ValidID = func(id string) bool { return id != "" }
	}
	return &Service{
		store:     cfg.Store,
		generator: cfg.Generator,
		random:    cfg.Random,
		now:       func() time.Time { return cfg.Clock().UTC() },
		recorder:  cfg.Recorder,
		sealer:    cfg.Sealer,
		newID:     cfg.NewID,
		validID:   cfg.ValidID,
	}, nil
}

// Start validates the persona, assigns an order, generates content, and stores a
// new record at the welcome step. Nothing is stored if any stage fails.
func (s *Service) Start(ctx context.Context, persona models.Persona) (*models.ExperimentRecord, error) {
	if err := persona.Validate(); err != nil {
		s.reject("start", err)
		return nil, err
	}

	order, err := AssignOrder(s.random)
	if err != nil {
		slog.Error("Service.Start: order assignment failed", "error", err)
		s.reject("start", err)
		return nil, err
	}

	content, err := s.generator.Generate(ctx, persona)
	if err != nil {
		slog.Error("Service.Start: content generation failed", "error", err)
		err = fmt.Errorf("%w: %v", ErrGeneration, err)
		s.reject("start", err)
		return nil, err
	}
	if !content.Complete() {
		err = fmt.Errorf("%w: generator returned incomplete content", ErrGeneration)
		s.reject("start", err)
		return nil, err
	}

	now := s.now()
	rec := &models.ExperimentRecord{
		ID:              s.newID(),
		Persona:         persona,
		Product:         content.Product,
		Explanations:    content.Explanations,
		OrderAssignment: order,
		CurrentStep:     int(StepWelcome),
		Responses:       []models.SurveyResponse{},
		TrackingData:    models.NewTrackingData(now),
		StepHistory:     []models.StepTransition{},
		StartedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateExperiment(ctx, rec); err != nil {
		slog.Error("Service.Start: failed to store experiment", "experimentID", rec.ID, "error", err)
		return nil, err
	}
	s.recorder.ExperimentStarted(order.OrderType)
	slog.Info("Service.Start: experiment started", "experimentID", rec.ID, "orderType", order.OrderType)
	return rec, nil
}

// Get returns the full record.
func (s *Service) Get(ctx context.Context, id string) (*models.ExperimentRecord, error) {
	return s.lookup(ctx, id)
}

// Resume returns the record and the screen its persisted step maps to.
func (s *Service) Resume(ctx context.Context, id string) (*models.ExperimentRecord, Screen, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, Screen{}, err
	}
	return rec, ScreenFor(rec), nil
}

// List returns every record in creation order.
func (s *Service) List(ctx context.Context) ([]*models.ExperimentRecord, error) {
	return s.store.ListExperiments(ctx)
}

// AdvanceStep moves the experiment to step `to`. Requesting the current step is
// an idempotent no-op. Leaving a data step requires its data to be recorded.
func (s *Service) AdvanceStep(ctx context.Context, id string, to int) (*models.ExperimentRecord, error) {
	target := Step(to)
	return s.update(ctx, "advance", id, func(r *models.ExperimentRecord) error {
		from := Step(r.CurrentStep)
		if target == from {
			return store.ErrSkipUpdate
		}
		if err := CheckTransition(from, target); err != nil {
			return conflict(from, err)
		}
		if from.CapturesData() && !stepDataRecorded(r, from) {
			return conflict(from, fmt.Errorf("%w: submit the %s before continuing", ErrStepDataMissing, from.Kind()))
		}
		s.transition(r, target)
		return nil
	})
}

// SubmitSurvey records the questionnaire for the current survey step and
// advances past it. Condition and step index are derived from the record.
func (s *Service) SubmitSurvey(ctx context.Context, id string, sub models.SurveySubmission) (*models.ExperimentRecord, error) {
	if err := sub.Validate(); err != nil {
		s.reject("survey", err)
		return nil, err
	}
	var recorded models.Condition
	rec, err := s.update(ctx, "survey", id, func(r *models.ExperimentRecord) error {
		step := Step(r.CurrentStep)
		if r.IsCompleted() {
			return conflict(step, ErrCompleted)
		}
		if sub.StepIndex != 0 {
			if _, ok := r.ResponseFor(sub.StepIndex); ok {
				return conflict(step, ErrDuplicateSubmission)
			}
		}
		if step.Kind() != ScreenSurvey {
			return conflict(step, ErrWrongStep)
		}
		position := step.Position()
		condition, ok := r.OrderAssignment.ConditionAt(position)
		if !ok {
			return fmt.Errorf("experiment %s has no condition at position %d", r.ID, position)
		}
		if sub.StepIndex != 0 && sub.StepIndex != position {
			return &models.ValidationError{Field: "stepIndex", Message: fmt.Sprintf("expected %d for the current step", position)}
		}
		if sub.Condition != "" && sub.Condition != condition {
			return &models.ValidationError{Field: "condition", Message: fmt.Sprintf("expected %s for the current step", condition)}
		}
		if _, ok := r.ResponseFor(position); ok {
			return conflict(step, ErrDuplicateSubmission)
		}

		r.Responses = append(r.Responses, models.SurveyResponse{
			Condition:     condition,
			StepIndex:     position,
			SurveyAnswers: sub.SurveyAnswers,
			ResponseTime:  sub.ResponseTime,
			Timestamp:     s.now(),
		})
		recorded = condition
		s.transition(r, step+1)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recorder.ResponseRecorded("survey", recorded)
	return rec, nil
}

// SubmitComparison stores the final comparison. It advances only when submitted
// on the comparison screen. Later submissions overwrite until completion.
func (s *Service) SubmitComparison(ctx context.Context, id string, fc models.FinalComparison) (*models.ExperimentRecord, error) {
	if err := fc.Validate(); err != nil {
		s.reject("comparison", err)
		return nil, err
	}
	rec, err := s.update(ctx, "comparison", id, func(r *models.ExperimentRecord) error {
		step := Step(r.CurrentStep)
		if r.IsCompleted() {
			return conflict(step, ErrCompleted)
		}
		if step < StepComparison {
			return conflict(step, ErrWrongStep)
		}
		fc.Timestamp = s.now()
		r.FinalComparison = &fc
		if step == StepComparison {
			s.transition(r, StepDemographics)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recorder.ResponseRecorded("comparison", fc.PersonalPreference)
	return rec, nil
}

// SubmitDemographics stores the demographics. On the demographics screen it also
// completes the experiment. After completion it overwrites the stored answers
// and leaves completedAt unchanged.
func (s *Service) SubmitDemographics(ctx context.Context, id string, d models.Demographics) (*models.ExperimentRecord, error) {
	if err := d.Validate(); err != nil {
		s.reject("demographics", err)
		return nil, err
	}
	if s.sealer != nil {
		sealed, err := s.sealer.SealPhone(d.Phone)
		if err != nil {
			slog.Error("Service.SubmitDemographics: failed to seal phone", "experimentID", id, "error", err)
			return nil, fmt.Errorf("failed to protect phone number: %w", err)
		}
		d.Phone = sealed
	}

	completed := false
	rec, err := s.update(ctx, "demographics", id, func(r *models.ExperimentRecord) error {
		step := Step(r.CurrentStep)
		if step < StepDemographics {
			return conflict(step, ErrWrongStep)
		}
		r.Demographics = &d
		if step == StepDemographics {
			now := s.now()
			r.CompletedAt = &now
			s.transition(r, StepCompleted)
			session := &r.TrackingData.SessionDuration
			if session.EndTime == nil {
				session.EndTime = &now
				total := now.Sub(session.StartTime).Milliseconds()
				session.TotalDuration = &total
			}
			completed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if completed {
		s.recorder.ExperimentCompleted(rec.OrderAssignment.OrderType, rec.CompletedAt.Sub(rec.StartedAt))
		slog.Info("Service.SubmitDemographics: experiment completed", "experimentID", id, "orderType", rec.OrderAssignment.OrderType)
	}
	return rec, nil
}

// RecordTracking merges a telemetry batch. It reports false when the batch ID
// was already applied, in which case nothing changes.
func (s *Service) RecordTracking(ctx context.Context, id string, batch models.TrackingBatch) (*models.ExperimentRecord, bool, error) {
	if err := batch.Validate(); err != nil {
		s.reject("tracking", err)
		return nil, false, err
	}
	applied := false
	rec, err := s.update(ctx, "tracking", id, func(r *models.ExperimentRecord) error {
		if !r.TrackingData.Merge(batch) {
			return store.ErrSkipUpdate
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !applied {
		slog.Debug("Service.RecordTracking: batch already applied", "experimentID", id, "batchID", batch.BatchID)
	}
	return rec, applied, nil
}

// RecordClick appends one button click to the tracking data.
func (s *Service) RecordClick(ctx context.Context, id string, click models.ButtonClick) (*models.ExperimentRecord, error) {
	if err := click.Validate(); err != nil {
		s.reject("click", err)
		return nil, err
	}
	if click.Timestamp.IsZero() {
		click.Timestamp = s.now()
	}
	return s.update(ctx, "click", id, func(r *models.ExperimentRecord) error {
		r.TrackingData.ButtonClicks = append(r.TrackingData.ButtonClicks, click)
		return nil
	})
}

// UpdateRecipient corrects the persona. Only allowed before the first exposure.
func (s *Service) UpdateRecipient(ctx context.Context, id string, upd models.RecipientUpdate) (*models.ExperimentRecord, error) {
	return s.update(ctx, "recipient", id, func(r *models.ExperimentRecord) error {
		step := Step(r.CurrentStep)
		if step != StepWelcome {
			return conflict(step, ErrWrongStep)
		}
		return upd.Apply(&r.Persona)
	})
}

// Balance summarizes how orders have been distributed so far.
func (s *Service) Balance(ctx context.Context) (BalanceReport, error) {
	recs, err := s.store.ListExperiments(ctx)
	if err != nil {
		return BalanceReport{}, err
	}
	return ComputeBalance(recs), nil
}

// ShareMessage returns a short message the participant can send to the
// recipient, written in the style of their preferred explanation.
func (s *Service) ShareMessage(ctx context.Context, id string) (string, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.FinalComparison == nil {
		return "", conflict(Step(rec.CurrentStep), ErrWrongStep)
	}
	preferred := rec.FinalComparison.PersonalPreference
	msg, err := s.generator.ShareMessage(ctx, rec.Persona, rec.Product, preferred)
	if err != nil || msg == "" {
		slog.Warn("Service.ShareMessage: generator failed, using fallback", "experimentID", id, "error", err)
		return FallbackShareMessage(rec.Persona, rec.Product), nil
	}
	return msg, nil
}

// FallbackShareMessage is used when the generator cannot write a share message.
func FallbackShareMessage(persona models.Persona, product models.Product) string {
	return fmt.Sprintf("I picked %s for you, %s. I hope it makes your day!", product.Name, persona.Name)
}

// lookup reads a record, rejecting malformed IDs before the store sees them.
func (s *Service) lookup(ctx context.Context, id string) (*models.ExperimentRecord, error) {
	if !s.validID(id) {
		return nil, fmt.Errorf("%w: malformed experiment ID", ErrNotFound)
	}
	return s.store.GetExperiment(ctx, id)
}

// update wraps store.UpdateExperiment with timestamping and logging, and
// records rejections.
func (s *Service) update(ctx context.Context, op, id string, fn store.UpdateFunc) (*models.ExperimentRecord, error) {
	if !s.validID(id) {
		err := fmt.Errorf("%w: malformed experiment ID", ErrNotFound)
		s.reject(op, err)
		return nil, err
	}
	var before int
	rec, err := s.store.UpdateExperiment(ctx, id, func(r *models.ExperimentRecord) error {
		before = r.CurrentStep
		if err := fn(r); err != nil {
			return err
		}
		r.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		s.reject(op, err)
		level := slog.LevelWarn
		if Classify(err) == ReasonStorage {
			level = slog.LevelError
		}
		slog.Log(ctx, level, "Service.update: operation rejected", "op", op, "experimentID", id, "error", err)
		return nil, err
	}
	if rec.CurrentStep != before {
		s.recorder.StepAdvanced(before, rec.CurrentStep)
	}
	slog.Debug("Service.update: operation applied", "op", op, "experimentID", id, "step", rec.CurrentStep)
	return rec, nil
}

func (s *Service) transition(r *models.ExperimentRecord, to Step) {
	from := r.CurrentStep
	r.StepHistory = append(r.StepHistory, models.StepTransition{From: from, To: int(to), At: s.now()})
	r.CurrentStep = int(to)
}

func (s *Service) reject(op string, err error) {
	s.recorder.OperationRejected(op, string(Classify(err)))
}

// Reason is a coarse error category used for metrics labels and HTTP mapping.
type Reason string

const (
	ReasonValidation Reason = "validation"
	ReasonNotFound   Reason = "not_found"
	ReasonTransition Reason = "transition"
	ReasonDuplicate  Reason = "duplicate"
	ReasonWrongStep  Reason = "wrong_step"
	ReasonCompleted  Reason = "completed"
	ReasonGeneration Reason = "generation"
	ReasonRandom     Reason = "random"
	ReasonStorage    Reason = "storage"
)

// Classify maps an operation error to its Reason.
func Classify(err error) Reason {
	switch {
	case errors.Is(err, models.ErrValidation):
		return ReasonValidation
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrDuplicateSubmission):
		return ReasonDuplicate
	case errors.Is(err, ErrCompleted):
		return ReasonCompleted
	case errors.Is(err, ErrWrongStep):
		return ReasonWrongStep
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrStepDataMissing):
		return ReasonTransition
	case errors.Is(err, ErrGeneration):
		return ReasonGeneration
	case errors.Is(err, ErrRandomUnavailable):
		return ReasonRandom
	default:
		return ReasonStorage
	}
}
