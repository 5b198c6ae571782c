package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"dvai-assistant/internal/breaker"
	"dvai-assistant/internal/domain"
	"dvai-assistant/internal/intent"
	"dvai-assistant/internal/knowledge"
	"dvai-assistant/internal/ratelimit"
)

const (
	defaultMaxQuestion      = 300
	defaultMaxHistory       = 10
	defaultMaxHistoryLength = 200
	defaultMaxBodyBytes     = 16 << 10
	defaultModelName        = "gpt-4o-mini"
	defaultModelTimeout     = 15 * time.Second
	defaultRetryInterval    = 200 * time.Millisecond
	defaultResponseTTL      = time.Hour
	topicAsk                = "ask"
	anonymousSubject        = "anonymous"
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	ChatStream(ctx context.Context, model string, messages []domain.ChatMessage, onDelta func(string) error) (string, error)
	Moderate(ctx context.Context, input string) (bool, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, subject string) ratelimit.Decision
}

type CircuitBreaker interface {
	CheckAllowed(ctx context.Context, subject string) breaker.Decision
	RecordSuccess(ctx context.Context, subject string)
	RecordFailure(ctx context.Context, subject string)
	Release(ctx context.Context, subject string)
}

type BudgetTracker interface {
	CheckAndConsume(subject, session string) bool
}

type IntentClassifier interface {
	Classify(session, text string) intent.Result
}

type ResponseCache interface {
	Get(ctx context.Context, key string) (CachedAnswer, bool)
	Set(ctx context.Context, key string, v CachedAnswer, ttl time.Duration)
}

type EventSink interface {
	Emit(ev domain.LogEvent)
}

type Recorder interface {
	ObserveRequest(mode, code string, d time.Duration)
	ObserveModelCall(outcome string, attempts int)
}

// Maintenance is ticked once per request; every Nth tick sweeps.
type Maintenance interface {
	Tick() bool
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// CachedAnswer is what the response cache stores for a model answer.
type CachedAnswer struct {
	Model  domain.ModelAnswer `json:"model"`
	Intent intent.Category    `json:"intent,omitempty"`
}

// Deps are the collaborators of AskService. LLM, Params, Events, Metrics and
// Maintenance are optional.
type Deps struct {
	Knowledge   *knowledge.Lookup
	Limiter     RateLimiter
	Breaker     CircuitBreaker
	Budget      BudgetTracker
	Intents     IntentClassifier
	Responses   ResponseCache
	LLM         LLMClient
	Params      ParamGetter
	Events      EventSink
	Metrics     Recorder
	Maintenance Maintenance
	Logger      *slog.Logger
}

type Options struct {
	ModelName            string
	ModelParameter       string
	ModelTimeout         time.Duration
	ModelMaxRetries      int
	RetryInitialInterval time.Duration
	Moderation           bool
	MaxQuestionLength    int
	MaxHistory           int
	MaxHistoryContent    int
	MaxBodyBytes         int
	ResponseTTL          time.Duration
}

func (o Options) withDefaults() Options {
	if o.ModelName == "" {
		o.ModelName = defaultModelName
	}
	if o.ModelTimeout <= 0 {
		o.ModelTimeout = defaultModelTimeout
	}
	if o.ModelMaxRetries < 0 {
		o.ModelMaxRetries = 0
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = defaultRetryInterval
	}
	if o.MaxQuestionLength <= 0 {
		o.MaxQuestionLength = defaultMaxQuestion
	}
	if o.MaxHistory <= 0 {
		o.MaxHistory = defaultMaxHistory
	}
	if o.MaxHistoryContent <= 0 {
		o.MaxHistoryContent = defaultMaxHistoryLength
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
	if o.ResponseTTL <= 0 {
		o.ResponseTTL = defaultResponseTTL
	}
	return o
}

type AskService struct {
	deps     Deps
	opts     Options
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time

	modelMu     sync.RWMutex
	modelLoaded bool
	model       string
}

type AskInput struct {
	Question      string
	History       []domain.ChatMessage
	Context       *domain.ClickContext
	Subject       string
	Session       string
	CorrelationID string
	PayloadBytes  int
	// DecodeErr carries a transport-level body decoding failure so it is
	// reported at the validation stage.
	DecodeErr error
	// OnToken, when set, requests streaming and receives spokenText fragments.
	OnToken func(token string) error
}

type AskOutput struct {
	Mode          string
	Knowledge     *domain.KnowledgeAnswer
	Model         *domain.ModelAnswer
	Intent        intent.Category
	CorrelationID string
	// Streamed is set when fragments were already delivered through OnToken.
	Streamed bool
}

type askRequest struct {
	Question string               `validate:"required"`
	History  []domain.ChatMessage `validate:"dive"`
	Context  *domain.ClickContext
}

func NewAskService(deps Deps, opts Options) (*AskService, error) {
	if deps.Knowledge == nil {
		return nil, errors.New("usecase: knowledge lookup must not be nil")
	}
	if deps.Limiter == nil {
		return nil, errors.New("usecase: rate limiter must not be nil")
	}
	if deps.Breaker == nil {
		return nil, errors.New("usecase: circuit breaker must not be nil")
	}
	if deps.Budget == nil {
		return nil, errors.New("usecase: budget tracker must not be nil")
	}
	if deps.Intents == nil {
		return nil, errors.New("usecase: intent classifier must not be nil")
	}
	if deps.Responses == nil {
		return nil, errors.New("usecase: response cache must not be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AskService{
		deps:     deps,
		opts:     opts.withDefaults(),
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
	}, nil
}

// Ask runs the answer pipeline. Every returned error is an *Error.
func (s *AskService) Ask(ctx context.Context, in AskInput) (out AskOutput, err error) {
	start := s.now()
	in.Subject = strings.TrimSpace(in.Subject)
	if in.Subject == "" {
		in.Subject = anonymousSubject
	}
	if in.Session = strings.TrimSpace(in.Session); in.Session == "" {
		in.Session = in.Subject
	}
	if in.CorrelationID == "" {
		in.CorrelationID = newUUID()
	}
	defer func() {
		out.CorrelationID = in.CorrelationID
		err = s.finish(in, start, out, err)
	}()
	if s.deps.Maintenance != nil {
		s.deps.Maintenance.Tick()
	}

	if err := ctx.Err(); err != nil {
		return AskOutput{}, newError(ErrorCancelled, "request_cancelled", err)
	}
	if d := s.deps.Limiter.Allow(ctx, in.Subject); !d.Allowed {
		return AskOutput{}, retryError(ErrorRateLimited, "rate_limited", d.RetryAfter)
	}
	d := s.deps.Breaker.CheckAllowed(ctx, in.Subject)
	if !d.Allowed {
		return AskOutput{}, retryError(ErrorCircuitOpen, d.Reason, d.RetryAfter)
	}
	// Only a model call settles a HALF_OPEN attempt; any other exit hands the
	// slot back.
	settled := false
	if d.State == breaker.HalfOpen {
		defer func() {
			if !settled {
				s.deps.Breaker.Release(context.WithoutCancel(ctx), in.Subject)
			}
		}()
	}
	if in.PayloadBytes > s.opts.MaxBodyBytes {
		return AskOutput{}, newError(ErrorPayloadTooLarge, "payload_too_large", nil)
	}

	req, err := s.sanitize(in)
	if err != nil {
		return AskOutput{}, err
	}
	if err := s.moderate(ctx, req.Question); err != nil {
		return AskOutput{}, err
	}

	key := responseKey(req)
	if cached, ok := s.deps.Responses.Get(ctx, key); ok {
		answer := cached.Model
		return AskOutput{Mode: domain.ModeCache, Model: &answer, Intent: cached.Intent}, nil
	}

	if m, found, _ := s.deps.Knowledge.Find(ctx, req.Question); found {
		answer := m.Answer()
		return AskOutput{Mode: domain.ModeKnowledge, Knowledge: &answer}, nil
	}
	if s.deps.Knowledge.Index().IsOffTopic(req.Question) {
		return AskOutput{}, newError(ErrorOffTopic, "off_topic", nil)
	}
	if s.deps.LLM == nil {
		return AskOutput{}, newError(ErrorUpstreamUnconfigured, "llm_not_configured", nil)
	}
	if !s.deps.Budget.CheckAndConsume(in.Subject, in.Session) {
		return AskOutput{}, newError(ErrorBudgetExceeded, "budget_exhausted", nil)
	}

	classified := s.deps.Intents.Classify(in.Session, req.Question)

	answer, streamed, err := s.callModel(ctx, req, classified, in.OnToken)
	if err != nil {
		var ue *Error
		if errors.As(err, &ue) && ue.Code != ErrorCancelled {
			s.deps.Breaker.RecordFailure(ctx, in.Subject)
			settled = true
		}
		return AskOutput{Streamed: streamed}, err
	}
	if err := ctx.Err(); err != nil {
		return AskOutput{Streamed: streamed}, newError(ErrorCancelled, "request_cancelled", err)
	}

	s.deps.Responses.Set(ctx, key, CachedAnswer{Model: answer, Intent: classified.Primary}, s.opts.ResponseTTL)
	s.deps.Breaker.RecordSuccess(ctx, in.Subject)
	settled = true
	return AskOutput{
		Mode:     domain.ModeModel,
		Model:    &answer,
		Intent:   classified.Primary,
		Streamed: streamed,
	}, nil
}

func (s *AskService) sanitize(in AskInput) (askRequest, error) {
	if in.DecodeErr != nil {
		return askRequest{}, newError(ErrorInvalidInput, "malformed_body", in.DecodeErr)
	}
	req := askRequest{
		Question: strings.TrimSpace(stripControl(in.Question)),
		History:  trimHistory(in.History, s.opts.MaxHistory, s.opts.MaxHistoryContent),
		Context:  in.Context,
	}
	if err := s.validate.Var(req.Question, fmt.Sprintf("required,max=%d", s.opts.MaxQuestionLength)); err != nil {
		reason := "empty_question"
		if req.Question != "" {
			reason = "question_too_long"
		}
		return askRequest{}, newError(ErrorInvalidInput, reason, err)
	}
	if err := s.validate.Struct(req); err != nil {
		return askRequest{}, newError(ErrorInvalidInput, "invalid_request", err)
	}
	return req, nil
}

func (s *AskService) moderate(ctx context.Context, question string) error {
	if !s.opts.Moderation || s.deps.LLM == nil {
		return nil
	}
	flagged, err := s.deps.LLM.Moderate(ctx, question)
	if err != nil {
		s.logger.Warn("moderation unavailable", "err", err)
		return nil
	}
	if flagged {
		return newError(ErrorInvalidInput, "moderation_flagged", nil)
	}
	return nil
}

// tokenSinkError marks a failure of the caller's OnToken callback.
type tokenSinkError struct{ err error }

func (e *tokenSinkError) Error() string { return "usecase: token sink: " + e.err.Error() }
func (e *tokenSinkError) Unwrap() error { return e.err }

func (s *AskService) callModel(ctx context.Context, req askRequest, classified intent.Result, onToken func(string) error) (domain.ModelAnswer, bool, error) {
	messages := buildPromptMessages(promptContext{
		click:  req.Context,
		intent: classified,
		topics: s.topics(),
	}, req.Question, req.History)
	model := s.modelName(ctx)

	streamed := false
	attempts := 0
	op := func() (string, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, s.opts.ModelTimeout)
		defer cancel()

		var raw string
		var err error
		if onToken == nil {
			raw, err = s.deps.LLM.Chat(callCtx, model, messages)
		} else {
			text := &spokenTextStream{}
			raw, err = s.deps.LLM.ChatStream(callCtx, model, messages, func(fragment string) error {
				token := text.Feed(fragment)
				if token == "" {
					return nil
				}
				streamed = true
				if err := onToken(token); err != nil {
					return &tokenSinkError{err: err}
				}
				return nil
			})
		}
		if err == nil {
			return raw, nil
		}
		var sinkErr *tokenSinkError
		if ctx.Err() != nil || streamed || errors.As(err, &sinkErr) || !retryable(err) {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInitialInterval
	b.MaxInterval = 2 * time.Second
	raw, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.opts.ModelMaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("model call retry", "err", err, "next", next)
		}),
	)
	if err != nil {
		var sinkErr *tokenSinkError
		switch {
		case ctx.Err() != nil || errors.As(err, &sinkErr):
			s.observeModel("cancelled", attempts)
			return domain.ModelAnswer{}, streamed, newError(ErrorCancelled, "request_cancelled", err)
		case isTimeout(err):
			s.observeModel("timeout", attempts)
			return domain.ModelAnswer{}, streamed, newError(ErrorUpstreamTimeout, "llm_timeout", err)
		default:
			s.observeModel("error", attempts)
			return domain.ModelAnswer{}, streamed, newError(ErrorUpstream, "llm_error", err)
		}
	}

	answer, err := parseModelAnswer(raw)
	if err != nil {
		s.observeModel("malformed", attempts)
		return domain.ModelAnswer{}, streamed, newError(ErrorUpstream, "llm_malformed_response", err)
	}
	s.observeModel("ok", attempts)
	return answer, streamed, nil
}

func (s *AskService) observeModel(outcome string, attempts int) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveModelCall(outcome, attempts)
	}
}

func (s *AskService) topics() []string {
	entries := s.deps.Knowledge.Index().Entries()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Title)
	}
	return out
}

// modelName resolves the model from the parameter store once, falling back
// to the configured name until the parameter can be read.
func (s *AskService) modelName(ctx context.Context) string {
	s.modelMu.RLock()
	if s.modelLoaded {
		s.modelMu.RUnlock()
		return s.model
	}
	s.modelMu.RUnlock()

	if s.deps.Params == nil || s.opts.ModelParameter == "" {
		return s.opts.ModelName
	}

	s.modelMu.Lock()
	defer s.modelMu.Unlock()
	if s.modelLoaded {
		return s.model
	}
	name, err := s.deps.Params.GetParameter(ctx, s.opts.ModelParameter)
	if err != nil {
		s.logger.Warn("model name parameter unavailable", "name", s.opts.ModelParameter, "err", err)
		return s.opts.ModelName
	}
	if name = strings.TrimSpace(name); name == "" {
		name = s.opts.ModelName
	}
	s.model = name
	s.modelLoaded = true
	return name
}

func (s *AskService) finish(in AskInput, start time.Time, out AskOutput, err error) error {
	latency := s.now().Sub(start)
	ev := domain.LogEvent{
		Topic:         topicAsk,
		CorrelationID: in.CorrelationID,
		Subject:       in.Subject,
		LatencyMillis: latency.Milliseconds(),
		Fields:        map[string]any{"session": in.Session},
	}

	if err != nil {
		var ue *Error
		if !errors.As(err, &ue) {
			ue = newError(ErrorInternal, "unexpected", err)
			err = ue
		}
		ev.Status = string(ue.Code)
		ev.Code = ue.Code.HTTPStatus()
		ev.Fields["reason"] = ue.Reason
		if ue.RetryAfter > 0 {
			ev.Fields["retryAfterMs"] = ue.RetryAfter.Milliseconds()
		}
		if ue.Err != nil {
			ev.Fields["err"] = ue.Err.Error()
		}
	} else {
		ev.Status = out.Mode
		ev.Code = 200
		if out.Knowledge != nil {
			ev.Fields["entryId"] = out.Knowledge.EntryID
		}
		if out.Intent != "" {
			ev.Fields["intent"] = string(out.Intent)
		}
		ev.Fields["streamed"] = out.Streamed
	}

	if s.deps.Events != nil {
		s.deps.Events.Emit(ev)
	}
	if s.deps.Metrics != nil {
		mode := out.Mode
		if err != nil {
			mode = domain.ModeError
		}
		s.deps.Metrics.ObserveRequest(mode, fmt.Sprint(ev.Code), latency)
	}
	return err
}

func trimHistory(history []domain.ChatMessage, maxItems, maxContent int) []domain.ChatMessage {
	if len(history) > maxItems {
		history = history[len(history)-maxItems:]
	}
	out := make([]domain.ChatMessage, 0, len(history))
	for _, m := range history {
		content := strings.TrimSpace(stripControl(m.Content))
		if content == "" {
			continue
		}
		if utf8.RuneCountInString(content) > maxContent {
			content = string([]rune(content)[:maxContent])
		}
		out = append(out, domain.ChatMessage{Role: strings.TrimSpace(m.Role), Content: content})
	}
	return out
}

// stripControl removes control characters, mapping line breaks and tabs to spaces.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
}

// responseKey identifies an answer by everything the prompt is built from:
// the normalized question, the click context and the trimmed history.
func responseKey(req askRequest) string {
	h := sha256.New()
	h.Write([]byte(knowledge.Normalize(req.Question)))
	if !req.Context.Empty() {
		for _, f := range []string{req.Context.ClickedTargetID, req.Context.ClickedText, req.Context.ClickedTag} {
			h.Write([]byte{0})
			h.Write([]byte(f))
		}
	}
	for _, m := range req.History {
		h.Write([]byte{1})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
	}
	return "resp:" + hex.EncodeToString(h.Sum(nil)[:16])
}

func retryable(err error) bool {
	if status, ok := upstreamStatusCode(err); ok {
		switch status {
		case 429, 500, 502, 503, 504:
			return true
		default:
			return false
		}
	}
	return true
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
