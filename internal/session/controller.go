// Package session runs one conversation turn through the node pipeline and
// checkpoints the result.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"shipment-qna/internal/answer"
	"shipment-qna/internal/clarify"
	"shipment-qna/internal/domain"
	"shipment-qna/internal/extract"
	"shipment-qna/internal/intent"
	"shipment-qna/internal/judge"
	"shipment-qna/internal/metrics"
	"shipment-qna/internal/normalize"
	"shipment-qna/internal/overview"
	"shipment-qna/internal/plan"
	"shipment-qna/internal/retrieve"
)

const (
	defaultMaxRetries    = 2
	defaultHistoryWindow = 20

	GreetingAnswer = "Hello! I can help with shipment status, ETA, delays, or analytics. What would you like to check?"
	FarewellAnswer = "Thanks for chatting. This conversation has been cleared, so feel free to start a new question any time."

	NoticeTopicShift = "Your question looked like a new topic, so earlier conversation context was not applied."
)

var tracer = otel.Tracer("shipment-qna.session")

type CheckpointStore interface {
	Load(ctx context.Context, conversationID string) (*domain.ConversationState, error)
	Save(ctx context.Context, s *domain.ConversationState) error
}

type Normalizer interface {
	Normalize(ctx context.Context, in normalize.Input) normalize.Result
}

type Extractor interface {
	Extract(ctx context.Context, question string) extract.Result
}

type Classifier interface {
	Classify(ctx context.Context, question string) intent.Result
}

type Planner interface {
	Plan(ctx context.Context, in plan.Input) plan.Result
}

type Retriever interface {
	Retrieve(ctx context.Context, in retrieve.Input) retrieve.Result
}

type Answerer interface {
	Answer(ctx context.Context, in answer.Input) answer.Result
}

type Judge interface {
	Evaluate(ctx context.Context, in judge.Input) judge.Result
}

type Clarifier interface {
	Clarify(ctx context.Context, in clarify.Input) clarify.Result
}

type Overview interface {
	Answer(ctx context.Context, question string) overview.Result
}

// Nodes bundles the pipeline steps. Every field is required.
type Nodes struct {
	Normalizer Normalizer
	Extractor  Extractor
	Classifier Classifier
	Planner    Planner
	Retriever  Retriever
	Answerer   Answerer
	Judge      Judge
	Clarifier  Clarifier
	Overview   Overview
}

func (n Nodes) validate() error {
	var errs []error
	check := func(ok bool, name string) {
		if !ok {
			errs = append(errs, errors.New("session: "+name+" must not be nil"))
		}
	}
	check(n.Normalizer != nil, "normalizer")
	check(n.Extractor != nil, "extractor")
	check(n.Classifier != nil, "classifier")
	check(n.Planner != nil, "planner")
	check(n.Retriever != nil, "retriever")
	check(n.Answerer != nil, "answerer")
	check(n.Judge != nil, "judge")
	check(n.Clarifier != nil, "clarifier")
	check(n.Overview != nil, "overview")
	return errors.Join(errs...)
}

type Options struct {
	MaxRetries    int
	HistoryWindow int
	Now           func() time.Time
}

// TurnInput is one user question with its already-resolved scope.
type TurnInput struct {
	ConversationID string
	Question       string
	Scope          []string
}

type Controller struct {
	nodes   Nodes
	store   CheckpointStore
	opts    Options
	metrics *metrics.TurnMetrics
	logger  *slog.Logger
	locks   *keyedMutex
}

// New builds a Controller. m may be nil.
func New(nodes Nodes, store CheckpointStore, opts Options, m *metrics.TurnMetrics, logger *slog.Logger) (*Controller, error) {
	if err := nodes.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("session: checkpoint store must not be nil")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = defaultHistoryWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		nodes:   nodes,
		store:   store,
		opts:    opts,
		metrics: m,
		logger:  logger,
		locks:   newKeyedMutex(),
	}, nil
}

// Run executes one turn. Turns on the same conversation are serialized and
// each turn's checkpoint is written before the next one starts. Node problems
// are recorded on the returned state rather than returned as errors.
func (c *Controller) Run(ctx context.Context, in TurnInput) *domain.ConversationState {
	unlock := c.locks.Lock(in.ConversationID)
	defer unlock()

	start := time.Now()
	ctx, span := tracer.Start(ctx, "session.turn", trace.WithAttributes(
		attribute.String("conversation_id", in.ConversationID),
	))
	defer span.End()

	logger := c.logger.With("conversation_id", in.ConversationID)
	state, loadFailure := c.load(ctx, logger, in.ConversationID)
	now := c.opts.Now()
	state.BeginTurn(in.Question, in.Scope, now)
	c.record(state, loadFailure)

	pending := state.PendingClarification
	state.PendingClarification = nil

	c.runTurn(ctx, logger, state, pending, now)

	if state.Turn.Route != domain.RouteEnd {
		state.AppendExchange(in.Question, state.Turn.Answer, c.opts.HistoryWindow)
	}
	state.Turns++
	state.UpdatedAt = now

	if err := c.store.Save(ctx, state); err != nil {
		span.RecordError(err)
		logger.Error("session: checkpoint save failed", "err", err)
		c.record(state, domain.NewFailure(domain.FailureCheckpoint, "checkpoint save failed", err))
	}

	span.SetAttributes(
		attribute.String("route", string(state.Turn.Route)),
		attribute.Int("retry_count", state.Turn.RetryCount),
		attribute.Bool("satisfied", state.Turn.Satisfied),
	)
	c.metrics.ObserveTurn(string(state.Turn.Route), state.Turn.Satisfied, time.Since(start).Seconds())
	c.metrics.ObserveTokens(state.Turn.Usage.PromptTokens, state.Turn.Usage.CompletionTokens)
	logger.Info("session: turn complete",
		"route", state.Turn.Route,
		"intent", state.Turn.Intent,
		"retry_count", state.Turn.RetryCount,
		"satisfied", state.Turn.Satisfied,
		"hits", len(state.Turn.Hits),
		"errors", len(state.Turn.Errors),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return state
}

func (c *Controller) load(ctx context.Context, logger *slog.Logger, conversationID string) (*domain.ConversationState, *domain.Failure) {
	state, err := c.store.Load(ctx, conversationID)
	if err != nil {
		logger.Error("session: checkpoint load failed, starting fresh", "err", err)
		return domain.NewConversationState(conversationID), domain.NewFailure(domain.FailureCheckpoint, "checkpoint load failed", err)
	}
	if state == nil {
		return domain.NewConversationState(conversationID), nil
	}
	state.ConversationID = conversationID
	return state, nil
}

func (c *Controller) runTurn(ctx context.Context, logger *slog.Logger, state *domain.ConversationState, pending *domain.TopicShift, now time.Time) {
	var nr normalize.Result
	c.step(ctx, "normalize", func(ctx context.Context) {
		nr = c.nodes.Normalizer.Normalize(ctx, normalize.Input{
			Question: state.Turn.Question,
			History:  state.Messages,
			Pending:  pending,
		})
	})
	state.AddUsage(nr.Usage)
	c.record(state, nr.Failures...)
	state.Turn.NormalizedQuestion = nr.Question
	state.Turn.TopicShift = nr.TopicShift
	if nr.Choice != domain.ChoiceNone {
		logger.Info("session: clarification resolved", "choice", nr.Choice)
	}

	ents := c.extract(ctx, state, nr.Question)

	var ir intent.Result
	c.step(ctx, "classify", func(ctx context.Context) {
		ir = c.nodes.Classifier.Classify(ctx, nr.Question)
	})
	state.AddUsage(ir.Usage)
	c.record(state, ir.Failures...)
	state.Turn.Intent = ir.Intent
	state.Turn.SubIntents = ir.SubIntents
	state.Turn.Sentiment = ir.Sentiment

	route := intent.Route(ir.Intent, nr.TopicShift)
	state.Turn.Route = route
	logger.Debug("session: routed", "intent", ir.Intent, "route", route, "topic_shift", nr.TopicShift != nil)

	switch route {
	case domain.RouteGreeting:
		state.Turn.Answer = GreetingAnswer
		state.Turn.Satisfied = true
	case domain.RouteEnd:
		state.Turn.Answer = FarewellAnswer
		state.Turn.Satisfied = true
		state.Reset()
	case domain.RouteStaticInfo:
		var or overview.Result
		c.step(ctx, "static_info", func(ctx context.Context) {
			or = c.nodes.Overview.Answer(ctx, nr.Question)
		})
		state.AddUsage(or.Usage)
		c.record(state, or.Failures...)
		c.notices(state, or.Notices...)
		state.Turn.Answer = or.Answer
		state.Turn.Satisfied = true
	case domain.RouteClarification:
		var cr clarify.Result
		c.step(ctx, "clarify", func(ctx context.Context) {
			cr = c.nodes.Clarifier.Clarify(ctx, clarify.Input{
				Question: nr.Question,
				History:  state.Messages,
				Shift:    nr.TopicShift,
			})
		})
		state.AddUsage(cr.Usage)
		c.record(state, cr.Failures...)
		state.Turn.Answer = cr.Answer
		state.PendingClarification = cr.Pending
		state.Turn.Satisfied = true
	case domain.RouteRetrieval, domain.RouteAnalytics:
		question := nr.Question
		if nr.TopicShift != nil {
			// The rewrite injected context the user did not ask for; plan
			// from what they actually typed.
			question = strings.ToLower(strings.TrimSpace(state.Turn.Question))
			ents = c.extract(ctx, state, question)
			state.AddNotice(NoticeTopicShift)
		}
		c.retrievalLoop(ctx, logger, state, question, ents, now)
	}
}

func (c *Controller) extract(ctx context.Context, state *domain.ConversationState, question string) domain.ExtractedEntities {
	var er extract.Result
	c.step(ctx, "extract", func(ctx context.Context) {
		er = c.nodes.Extractor.Extract(ctx, question)
	})
	state.AddUsage(er.Usage)
	c.record(state, er.Failures...)
	c.notices(state, er.Notices...)
	state.Turn.Entities = er.Entities
	return er.Entities
}

// retrievalLoop runs plan → retrieve → answer → judge until the judge is
// satisfied or the retry budget is spent. Every retry re-enters the planner.
func (c *Controller) retrievalLoop(ctx context.Context, logger *slog.Logger, state *domain.ConversationState, question string, ents domain.ExtractedEntities, now time.Time) {
	feedback := ""
	for {
		var pr plan.Result
		c.step(ctx, "plan", func(ctx context.Context) {
			pr = c.nodes.Planner.Plan(ctx, plan.Input{
				Question:   question,
				Entities:   ents,
				Intent:     state.Turn.Intent,
				SubIntents: state.Turn.SubIntents,
				Feedback:   feedback,
				RetryCount: state.Turn.RetryCount,
				Previous:   state.LastPlan,
				Now:        now,
			})
		})
		state.AddUsage(pr.Usage)
		c.record(state, pr.Failures...)
		c.notices(state, pr.Notices...)
		executed := pr.Plan
		state.Turn.Plan = &executed

		var rr retrieve.Result
		c.step(ctx, "retrieve", func(ctx context.Context) {
			rr = c.nodes.Retriever.Retrieve(ctx, retrieve.Input{Plan: executed, Scope: state.Turn.Scope})
		})
		c.record(state, rr.Failures...)
		c.notices(state, rr.Notices...)
		state.Turn.Hits = rr.Hits
		agg := rr.Aggregates
		state.Turn.Aggregates = &agg

		var ar answer.Result
		c.step(ctx, "answer", func(ctx context.Context) {
			ar = c.nodes.Answerer.Answer(ctx, answer.Input{
				Question:   question,
				Intent:     state.Turn.Intent,
				Hits:       rr.Hits,
				Aggregates: rr.Aggregates,
				Plan:       executed,
				Now:        now,
			})
		})
		state.AddUsage(ar.Usage)
		c.record(state, ar.Failures...)
		state.Turn.Answer = ar.Answer
		state.Turn.Citations = ar.Citations
		state.Turn.Table = ar.Table
		state.Turn.Chart = ar.Chart

		var jr judge.Result
		c.step(ctx, "judge", func(ctx context.Context) {
			jr = c.nodes.Judge.Evaluate(ctx, judge.Input{
				Question:   question,
				Answer:     ar.Answer,
				Hits:       rr.Hits,
				RetryCount: state.Turn.RetryCount,
				Now:        now,
			})
		})
		state.AddUsage(jr.Usage)
		c.record(state, jr.Failures...)
		state.Turn.Satisfied = jr.Verdict.Satisfied
		state.Turn.Feedback = jr.Verdict.Feedback

		if jr.Verdict.Satisfied {
			state.Turn.RetryCount = max(state.Turn.RetryCount, jr.RetryCount)
			break
		}
		// Every unsatisfied verdict spends one retry, whatever the judge reports.
		state.Turn.RetryCount = max(state.Turn.RetryCount+1, jr.RetryCount)
		if state.Turn.RetryCount >= c.opts.MaxRetries {
			logger.Warn("session: retry budget spent, keeping last answer",
				"retry_count", state.Turn.RetryCount, "feedback", jr.Verdict.Feedback)
			break
		}
		c.metrics.ObserveRetry()
		logger.Info("session: judge requested retry", "retry_count", state.Turn.RetryCount, "feedback", jr.Verdict.Feedback)
		feedback = jr.Verdict.Feedback
	}
	if state.Turn.Plan != nil {
		last := *state.Turn.Plan
		state.LastPlan = &last
	}
}

// step runs one node inside its own span and records its latency.
func (c *Controller) step(ctx context.Context, name string, fn func(ctx context.Context)) {
	ctx, span := tracer.Start(ctx, "session."+name)
	defer span.End()
	start := time.Now()
	fn(ctx)
	c.metrics.ObserveNode(name, time.Since(start).Seconds())
}

func (c *Controller) record(state *domain.ConversationState, failures ...*domain.Failure) {
	for _, f := range failures {
		if f == nil {
			continue
		}
		state.RecordFailures(f)
		c.metrics.ObserveFailure(string(f.Kind))
		c.logger.Warn("session: recovered failure",
			"conversation_id", state.ConversationID, "kind", f.Kind, "detail", f.Detail)
	}
}

func (c *Controller) notices(state *domain.ConversationState, notices ...string) {
	for _, n := range notices {
		state.AddNotice(n)
	}
}
