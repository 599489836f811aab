package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/watzon/funcbox/internal/metrics"
)

var triggerNamespace = uuid.MustParse("5b0f6c52-1f5e-4c8e-9d43-6a0e3f1c2b7d")

// EvaluatorConfig configures an Evaluator.
type EvaluatorConfig struct {
	// Store persists declarations and state. Nil keeps everything in memory.
	Store *Store
	// Claimer defaults to a SQLClaimer on Store's database, or an in-memory
	// claimer when Store is nil.
	Claimer    Claimer
	Dispatcher Dispatcher
	Clock      Clock
	// DefaultTimezone applies to cron expressions and to intervals without
	// a timezone option.
	DefaultTimezone string
	// Catchup fires one overdue occurrence found on registration instead of
	// skipping to the next one.
	Catchup bool
}

type registration struct {
	seq       int64
	id        string
	trigger   Trigger
	kind      Kind
	function  string
	version   string
	persisted bool
	retry     RetryPolicy

	object  glob.Glob
	action  glob.Glob
	handler Handler
	filter  cel.Program
	context cel.Program

	schedule Schedule
	input    map[string]any

	// fireMu serializes occurrences of one schedule.
	fireMu sync.Mutex

	mu     sync.Mutex
	state  State
	status Status
}

func (r *registration) transition(to State) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.mu.Unlock()

	log.Trace().
		Str("trigger_id", r.id).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Trigger state changed")
}

func (r *registration) update(fn func(st *Status)) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.status)
	return r.status
}

func (r *registration) nextFire() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.NextFireAt == nil {
		return time.Time{}, false
	}
	return *r.status.NextFireAt, true
}

// Info describes a registered trigger.
type Info struct {
	Seq       int64   `json:"seq"`
	Kind      Kind    `json:"kind"`
	State     State   `json:"state"`
	Persisted bool    `json:"persisted"`
	Trigger   Trigger `json:"trigger"`
	Status    Status  `json:"status"`
}

// Evaluator holds registered triggers and fires them for events and
// schedule occurrences. Triggers are evaluated in registration order and a
// failing trigger never prevents the others from being evaluated.
type Evaluator struct {
	store      *Store
	claimer    Claimer
	dispatcher Dispatcher
	clock      Clock
	defaultTZ  string
	catchup    bool
	expr       *exprEnv
	tracer     trace.Tracer

	mu        sync.RWMutex
	regs      []*registration
	byID      map[string]*registration
	seq       int64
	seqLoaded bool

	ctx     context.Context
	cancel  context.CancelFunc
	retries sync.WaitGroup
}

// NewEvaluator creates an evaluator.
func NewEvaluator(cfg EvaluatorConfig) (*Evaluator, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("triggers: dispatcher is required")
	}
	if _, err := loadLocation(cfg.DefaultTimezone); err != nil {
		return nil, err
	}

	expr, err := newExprEnv()
	if err != nil {
		return nil, err
	}

	claimer := cfg.Claimer
	if claimer == nil {
		if cfg.Store != nil {
			claimer = NewSQLClaimer(cfg.Store.db)
		} else {
			claimer = newMemoryClaimer()
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Evaluator{
		store:      cfg.Store,
		claimer:    claimer,
		dispatcher: cfg.Dispatcher,
		clock:      clock,
		defaultTZ:  cfg.DefaultTimezone,
		catchup:    cfg.Catchup,
		expr:       expr,
		tracer:     otel.Tracer("github.com/watzon/funcbox/internal/triggers"),
		byID:       make(map[string]*registration),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Close stops pending retries and waits for running ones.
func (e *Evaluator) Close() {
	e.cancel()
	e.retries.Wait()
}

// Register validates and adds a trigger, returning its id. Registering a
// trigger with the id of an existing one replaces it in place. Declarative
// triggers and all schedule state are persisted when a store is configured.
func (e *Evaluator) Register(ctx context.Context, t Trigger) (string, error) {
	var (
		reg *registration
		err error
	)
	switch tt := t.(type) {
	case *EventTrigger:
		reg, err = e.prepareEvent(tt)
	case *ScheduleTrigger:
		reg, err = e.prepareSchedule(tt)
	default:
		err = invalid("unsupported trigger type %T", t)
	}
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.assignSeq(ctx, reg); err != nil {
		return "", err
	}

	now := e.clock.Now()
	if err := e.loadStatus(ctx, reg, now); err != nil {
		return "", err
	}

	if reg.persisted && e.store != nil {
		if err := e.store.SaveTrigger(ctx, reg.record(now)); err != nil {
			return "", err
		}
	}
	if reg.kind == KindSchedule && e.store != nil {
		if err := e.store.SaveState(ctx, &reg.status); err != nil {
			return "", err
		}
	}

	if existing, ok := e.byID[reg.id]; ok {
		e.regs = slices.DeleteFunc(e.regs, func(r *registration) bool { return r == existing })
	}
	idx, _ := slices.BinarySearchFunc(e.regs, reg.seq, func(r *registration, seq int64) int {
		switch {
		case r.seq < seq:
			return -1
		case r.seq > seq:
			return 1
		}
		return 0
	})
	e.regs = slices.Insert(e.regs, idx, reg)
	e.byID[reg.id] = reg

	ev := log.Info().
		Str("trigger_id", reg.id).
		Str("kind", string(reg.kind)).
		Str("function_id", reg.function).
		Int64("seq", reg.seq)
	if next, ok := reg.nextFire(); ok {
		ev = ev.Time("next_fire_at", next)
	}
	ev.Msg("Trigger registered")

	return reg.id, nil
}

// assignSeq keeps the sequence of a known trigger and appends new ones.
// Callers hold e.mu.
func (e *Evaluator) assignSeq(ctx context.Context, reg *registration) error {
	if existing, ok := e.byID[reg.id]; ok {
		reg.seq = existing.seq
		return nil
	}

	if e.store != nil {
		if !e.seqLoaded {
			stored, err := e.store.MaxSeq(ctx)
			if err != nil {
				return err
			}
			e.seq = max(e.seq, stored)
			e.seqLoaded = true
		}
		seq, found, err := e.store.TriggerSeq(ctx, reg.id)
		if err != nil {
			return err
		}
		if found {
			reg.seq = seq
			return nil
		}
	}

	e.seq++
	reg.seq = e.seq
	return nil
}

// loadStatus restores persisted state and computes the next fire of a
// schedule. An overdue persisted occurrence is kept for the next Tick when
// catch-up is enabled and skipped otherwise.
func (e *Evaluator) loadStatus(ctx context.Context, reg *registration, now time.Time) error {
	status := Status{TriggerID: reg.id}
	if existing, ok := e.byID[reg.id]; ok {
		status = existing.update(func(*Status) {})
	} else if e.store != nil {
		stored, err := e.store.GetState(ctx, reg.id)
		if err != nil {
			return err
		}
		if stored != nil {
			status = *stored
		}
	}

	if reg.kind == KindSchedule {
		switch next := status.NextFireAt; {
		case next == nil:
			n := reg.schedule.Next(now)
			status.NextFireAt = &n
		case !next.After(now) && !e.catchup:
			n := reg.schedule.Next(now)
			log.Info().
				Str("trigger_id", reg.id).
				Time("missed", *next).
				Time("next_fire_at", n).
				Msg("Skipping missed schedule occurrence")
			status.NextFireAt = &n
		}
		status.UpdatedAt = now
	}

	reg.state = StateRegistered
	reg.status = status
	return nil
}

func (e *Evaluator) prepareEvent(t *EventTrigger) (*registration, error) {
	if t.FunctionID == "" {
		return nil, invalid("function id is required")
	}
	if t.Object == "" || t.Action == "" {
		return nil, invalid("object and action are required")
	}

	reg := &registration{
		id:        t.ID,
		kind:      KindEvent,
		function:  t.FunctionID,
		version:   t.Version,
		persisted: t.Handler == nil,
		retry:     t.Retry,
		handler:   t.Handler,
	}

	var err error
	if reg.object, err = glob.Compile(t.Object); err != nil {
		return nil, invalid("object pattern %q: %v", t.Object, err)
	}
	if reg.action, err = glob.Compile(t.Action); err != nil {
		return nil, invalid("action pattern %q: %v", t.Action, err)
	}
	if t.Filter != "" {
		if reg.filter, err = e.expr.compile(t.Filter); err != nil {
			return nil, invalid("filter: %v", err)
		}
	}
	if t.Context != "" {
		if reg.context, err = e.expr.compile(t.Context); err != nil {
			return nil, invalid("context: %v", err)
		}
	}
	if err := validateRetry(t.Retry); err != nil {
		return nil, err
	}

	if reg.id == "" {
		reg.id = deriveID(KindEvent, t.FunctionID, t.Version, t.Object, t.Action, t.Filter, t.Context)
	}
	c := *t
	c.ID = reg.id
	reg.trigger = &c
	return reg, nil
}

func (e *Evaluator) prepareSchedule(t *ScheduleTrigger) (*registration, error) {
	if t.FunctionID == "" {
		return nil, invalid("function id is required")
	}
	sched, err := ParseSchedule(t.Schedule, t.Options, e.defaultTZ)
	if err != nil {
		return nil, invalid("%v", err)
	}
	input, err := json.Marshal(t.Input)
	if err != nil {
		return nil, invalid("input is not JSON-encodable: %v", err)
	}
	if err := validateRetry(t.Retry); err != nil {
		return nil, err
	}

	reg := &registration{
		id:        t.ID,
		kind:      KindSchedule,
		function:  t.FunctionID,
		version:   t.Version,
		persisted: true,
		retry:     t.Retry,
		schedule:  sched,
		input:     maps.Clone(t.Input),
	}
	if reg.id == "" {
		reg.id = deriveID(KindSchedule, t.FunctionID, t.Version, t.Schedule,
			t.Options.Day, t.Options.Time, t.Options.Timezone, string(input))
	}
	c := *t
	c.ID = reg.id
	c.Input = maps.Clone(t.Input)
	reg.trigger = &c
	return reg, nil
}

func validateRetry(p RetryPolicy) error {
	if p.MaxAttempts < 0 || p.BaseDelay < 0 {
		return invalid("retry policy must not be negative")
	}
	if p.MaxAttempts > MaxRetryAttempts {
		return invalid("retry max_attempts must be at most %d", MaxRetryAttempts)
	}
	return nil
}

// deriveID returns a stable id so the same declaration maps to the same
// persisted state across restarts.
func deriveID(kind Kind, parts ...string) string {
	name := string(kind) + "\x00" + strings.Join(parts, "\x00")
	return uuid.NewSHA1(triggerNamespace, []byte(name)).String()
}

func (r *registration) record(now time.Time) *Record {
	rec := &Record{
		ID:         r.id,
		Seq:        r.seq,
		Kind:       r.kind,
		FunctionID: r.function,
		Version:    r.version,
		Retry:      r.retry,
		CreatedAt:  now,
	}
	switch t := r.trigger.(type) {
	case *EventTrigger:
		rec.Object, rec.Action, rec.Filter, rec.Context = t.Object, t.Action, t.Filter, t.Context
	case *ScheduleTrigger:
		rec.Schedule, rec.Options, rec.Input = t.Schedule, t.Options, t.Input
	}
	return rec
}

// Recover registers every persisted declaration in registration order.
// Declarations that no longer validate are logged and skipped.
func (e *Evaluator) Recover(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	records, err := e.store.ListTriggers(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, rec := range records {
		if _, err := e.Register(ctx, rec.Trigger()); err != nil {
			log.Warn().Err(err).Str("trigger_id", rec.ID).Msg("Failed to recover trigger")
			continue
		}
		recovered++
	}

	log.Info().Int("count", recovered).Msg("Recovered triggers")
	return recovered, nil
}

// Remove unregisters a trigger and deletes its persisted declaration and
// state.
func (e *Evaluator) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	reg, ok := e.byID[id]
	if !ok {
		return ErrTriggerNotFound
	}
	if e.store != nil {
		if err := e.store.DeleteTrigger(ctx, id); err != nil {
			return err
		}
	}
	delete(e.byID, id)
	e.regs = slices.DeleteFunc(e.regs, func(r *registration) bool { return r == reg })

	log.Info().Str("trigger_id", id).Msg("Trigger removed")
	return nil
}

// List returns registered triggers in registration order.
func (e *Evaluator) List() []Info {
	e.mu.RLock()
	defer e.mu.RUnlock()

	infos := make([]Info, 0, len(e.regs))
	for _, r := range e.regs {
		infos = append(infos, r.info())
	}
	return infos
}

// Get returns a registered trigger.
func (e *Evaluator) Get(id string) (Info, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.byID[id]
	if !ok {
		return Info{}, false
	}
	return r.info(), true
}

func (r *registration) info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Info{
		Seq:       r.seq,
		Kind:      r.kind,
		State:     r.state,
		Persisted: r.persisted,
		Trigger:   r.trigger,
		Status:    r.status,
	}
}

// Notify evaluates event triggers for <object>.<action>.
func (e *Evaluator) Notify(ctx context.Context, object, action string, payload map[string]any) ([]Outcome, error) {
	return e.NotifyEvent(ctx, &Event{
		Object:     object,
		Action:     action,
		Payload:    payload,
		OccurredAt: e.clock.Now(),
	})
}

// NotifyEvent evaluates every matching event trigger in registration
// order. Evaluation errors are reported per trigger in the outcomes; the
// returned error is only set when ctx ends before all triggers ran.
func (e *Evaluator) NotifyEvent(ctx context.Context, ev *Event) ([]Outcome, error) {
	e.mu.RLock()
	var matched []*registration
	for _, r := range e.regs {
		if r.kind == KindEvent && r.object.Match(ev.Object) && r.action.Match(ev.Action) {
			matched = append(matched, r)
		}
	}
	e.mu.RUnlock()

	outcomes := make([]Outcome, 0, len(matched))
	for _, r := range matched {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, e.evaluateEvent(ctx, r, ev))
	}

	log.Debug().
		Str("event", ev.Name()).
		Int("matched", len(matched)).
		Msg("Event evaluated")
	return outcomes, nil
}

func (e *Evaluator) evaluateEvent(ctx context.Context, r *registration, ev *Event) Outcome {
	r.transition(StateEvaluating)
	defer r.transition(StateRegistered)

	out := Outcome{TriggerID: r.id, Kind: KindEvent, FunctionID: r.function}

	fire, extra, err := e.decide(ctx, r, ev)
	if err != nil {
		return e.fail(ctx, r, out, err)
	}
	if !fire {
		r.transition(StateSkipped)
		r.update(func(st *Status) { st.LastOutcome = string(StateSkipped) })
		metrics.RecordTriggerEvaluation(string(KindEvent), "skipped")
		out.State, out.Reason = StateSkipped, ReasonFiltered
		return out
	}

	input := maps.Clone(ev.Payload)
	if input == nil {
		input = make(map[string]any, len(extra))
	}
	maps.Copy(input, extra)

	r.transition(StateFired)
	now := e.clock.Now()
	r.update(func(st *Status) { st.LastFiredAt = &now })

	return e.fire(ctx, r, out, Invocation{
		TriggerID:  r.id,
		Kind:       KindEvent,
		FunctionID: r.function,
		Version:    r.version,
		Input:      input,
		RequestID:  ev.RequestID,
	})
}

// decide runs the handler, the filter and the context expression. The
// returned map is merged over the payload.
func (e *Evaluator) decide(ctx context.Context, r *registration, ev *Event) (bool, map[string]any, error) {
	extra := map[string]any{}

	var handlerCtx map[string]any
	if r.handler != nil {
		cfg, err := callHandler(r.handler, ev)
		if err != nil {
			return false, nil, &EvaluationError{TriggerID: r.id, Phase: PhaseHandler, Err: err}
		}
		if cfg.Filter != nil && !*cfg.Filter {
			return false, nil, nil
		}
		handlerCtx = cfg.Context
	}

	if r.filter != nil {
		ok, err := evalFilter(ctx, r.filter, ev)
		if err != nil {
			return false, nil, &EvaluationError{TriggerID: r.id, Phase: PhaseFilter, Err: err}
		}
		if !ok {
			return false, nil, nil
		}
	}

	if r.context != nil {
		m, err := evalContext(ctx, r.context, ev)
		if err != nil {
			return false, nil, &EvaluationError{TriggerID: r.id, Phase: PhaseContext, Err: err}
		}
		maps.Copy(extra, m)
	}
	maps.Copy(extra, handlerCtx)
	return true, extra, nil
}

func callHandler(h Handler, ev *Event) (cfg Config, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	c := *ev
	c.Payload = maps.Clone(ev.Payload)
	return h(&c)
}

// Tick fires every schedule whose next occurrence is at or before now, in
// registration order. Each occurrence is claimed before dispatch so it
// fires at most once across restarts and processes.
func (e *Evaluator) Tick(ctx context.Context, now time.Time) ([]Outcome, error) {
	e.mu.RLock()
	var due []*registration
	for _, r := range e.regs {
		if r.kind != KindSchedule {
			continue
		}
		if next, ok := r.nextFire(); ok && !next.After(now) {
			due = append(due, r)
		}
	}
	e.mu.RUnlock()

	var outcomes []Outcome
	for _, r := range due {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		if out, ok := e.fireOccurrence(ctx, r, now); ok {
			outcomes = append(outcomes, out)
		}
	}
	return outcomes, nil
}

func (e *Evaluator) fireOccurrence(ctx context.Context, r *registration, now time.Time) (Outcome, bool) {
	r.fireMu.Lock()
	defer r.fireMu.Unlock()

	occ, ok := r.nextFire()
	if !ok || occ.After(now) {
		return Outcome{}, false
	}

	r.transition(StateEvaluating)
	defer r.transition(StateRegistered)

	out := Outcome{TriggerID: r.id, Kind: KindSchedule, FunctionID: r.function, Occurrence: &occ}

	claimed, err := e.claimer.Claim(ctx, r.id, occ)
	if err != nil {
		return e.fail(ctx, r, out, &EvaluationError{TriggerID: r.id, Phase: PhaseClaim, Err: err}), true
	}

	next := r.schedule.Next(occ)
	if !next.After(now) {
		next = r.schedule.Next(now)
	}

	if !claimed {
		st := r.update(func(st *Status) {
			st.NextFireAt = &next
			st.UpdatedAt = now
		})
		e.persist(ctx, st)

		r.transition(StateSkipped)
		metrics.RecordTriggerEvaluation(string(KindSchedule), ReasonDuplicate)
		log.Debug().
			Str("trigger_id", r.id).
			Time("occurrence", occ).
			Msg("Schedule occurrence already claimed")
		out.State, out.Reason = StateSkipped, ReasonDuplicate
		return out, true
	}

	st := r.update(func(st *Status) {
		st.LastFiredAt = &occ
		st.NextFireAt = &next
		st.UpdatedAt = now
	})
	e.persist(ctx, st)

	r.transition(StateFired)
	return e.fire(ctx, r, out, Invocation{
		TriggerID:  r.id,
		Kind:       KindSchedule,
		FunctionID: r.function,
		Version:    r.version,
		Input:      maps.Clone(r.input),
	}), true
}

// fire dispatches the invocation and records the result.
func (e *Evaluator) fire(ctx context.Context, r *registration, out Outcome, inv Invocation) Outcome {
	res, err := e.dispatch(ctx, r, inv)

	out.State = StateFired
	if res != nil {
		out.ExecutionID, out.Status = res.ExecutionID, res.Status
	}

	result := "fired"
	if err != nil {
		result = "error"
		out.Err = &EvaluationError{TriggerID: r.id, Phase: PhaseDispatch, Err: err}
		out.Error = out.Err.Error()
		log.Error().
			Err(err).
			Str("trigger_id", r.id).
			Str("function_id", r.function).
			Msg("Trigger dispatch failed")
	} else {
		log.Debug().
			Str("trigger_id", r.id).
			Str("function_id", r.function).
			Str("execution_id", out.ExecutionID).
			Str("status", out.Status).
			Msg("Trigger fired")
	}
	metrics.RecordTriggerEvaluation(string(r.kind), result)

	st := r.update(func(st *Status) {
		st.FireCount++
		st.LastOutcome = string(StateFired)
		st.LastExecutionID = out.ExecutionID
		st.LastError = out.Error
		if err != nil {
			st.ErrorCount++
		}
		st.UpdatedAt = e.clock.Now()
	})
	e.persist(ctx, st)
	return out
}

// fail records an evaluation error against the trigger.
func (e *Evaluator) fail(ctx context.Context, r *registration, out Outcome, err error) Outcome {
	r.transition(StateSkipped)

	log.Warn().
		Err(err).
		Str("trigger_id", r.id).
		Str("function_id", r.function).
		Msg("Trigger evaluation failed")
	metrics.RecordTriggerEvaluation(string(r.kind), "error")

	st := r.update(func(st *Status) {
		st.ErrorCount++
		st.LastOutcome = ReasonError
		st.LastError = err.Error()
		st.UpdatedAt = e.clock.Now()
	})
	e.persist(ctx, st)

	out.State, out.Reason = StateSkipped, ReasonError
	out.Err, out.Error = err, err.Error()
	return out
}

func (e *Evaluator) persist(ctx context.Context, st Status) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveState(context.WithoutCancel(ctx), &st); err != nil {
		log.Error().Err(err).Str("trigger_id", st.TriggerID).Msg("Failed to persist trigger state")
	}
}

func (e *Evaluator) dispatch(ctx context.Context, r *registration, inv Invocation) (*DispatchResult, error) {
	ctx, span := e.tracer.Start(ctx, "trigger.dispatch", trace.WithAttributes(
		attribute.String("trigger.id", r.id),
		attribute.String("trigger.kind", string(r.kind)),
		attribute.String("function.id", r.function),
	))
	defer span.End()

	inv.Attempt = 1
	res, err := e.dispatcher.Dispatch(ctx, inv)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if res != nil {
		span.SetAttributes(attribute.String("execution.id", res.ExecutionID), attribute.String("execution.status", res.Status))
	}

	if res.retryable() && r.retry.MaxAttempts > 1 {
		e.retry(r, inv)
	}
	return res, nil
}

// retry re-dispatches in the background with exponential backoff until an
// attempt succeeds, a dispatch error occurs or attempts run out.
func (e *Evaluator) retry(r *registration, inv Invocation) {
	e.retries.Add(1)
	go func() {
		defer e.retries.Done()

		for attempt := 2; attempt <= r.retry.MaxAttempts; attempt++ {
			timer := time.NewTimer(r.retry.backoff(attempt))
			select {
			case <-e.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			inv.Attempt = attempt
			res, err := e.dispatcher.Dispatch(e.ctx, inv)
			if err != nil {
				log.Error().Err(err).Str("trigger_id", r.id).Int("attempt", attempt).Msg("Trigger retry failed")
				return
			}
			if res == nil {
				return
			}

			log.Info().
				Str("trigger_id", r.id).
				Int("attempt", attempt).
				Str("execution_id", res.ExecutionID).
				Str("status", res.Status).
				Msg("Trigger retried")
			r.update(func(st *Status) {
				st.LastExecutionID = res.ExecutionID
				st.UpdatedAt = e.clock.Now()
			})
			if !res.retryable() {
				return
			}
		}
	}()
}
