// Package chat drives chat exchanges: admission, validation, ownership, the upstream call
// and the history commit.
package chat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/matiasleandrokruk/chatrelay/internal/domain/conversation"
	"github.com/matiasleandrokruk/chatrelay/internal/domain/ratelimit"
	"github.com/matiasleandrokruk/chatrelay/internal/domain/usage"
	"github.com/matiasleandrokruk/chatrelay/internal/infra/llm"
	"github.com/matiasleandrokruk/chatrelay/pkg/uuid"
)

// chunkBuffer bounds the channel between the orchestrator and the relay.
const chunkBuffer = 16

const (
	DefaultMaxMessageRunes      = 8000
	DefaultMaxSystemPromptRunes = 4000
	DefaultUpstreamTimeout      = 120 * time.Second
	DefaultConversationTTL      = 30 * time.Minute
)

// Resolver maps a model name to its binding and adapter. *llm.Registry implements it.
type Resolver interface {
	Resolve(model string) (llm.Binding, llm.Provider, error)
	ListModels() []string
	Supports(model string) bool
}

// Publisher is where finished exchanges are announced. *eventbus.Bus implements it.
type Publisher interface {
	Publish(topic string, payload any)
}

// Config holds the scalar limits of the orchestrator.
type Config struct {
	MaxMessageRunes      int
	MaxSystemPromptRunes int
	UpstreamTimeout      time.Duration
	ConversationTTL      time.Duration
	// MaxTokens caps completion length upstream; zero leaves the provider default.
	MaxTokens int
	// CompleteOnDisconnect keeps a stream's upstream exchange running after the caller leaves
	// so the reply is still committed.
	CompleteOnDisconnect bool
}

func (c Config) withDefaults() Config {
	if c.MaxMessageRunes <= 0 {
		c.MaxMessageRunes = DefaultMaxMessageRunes
	}
	if c.MaxSystemPromptRunes <= 0 {
		c.MaxSystemPromptRunes = DefaultMaxSystemPromptRunes
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.ConversationTTL <= 0 {
		c.ConversationTTL = DefaultConversationTTL
	}
	return c
}

// Deps are the collaborators of an Orchestrator. Store, Limiter and Registry are required.
// A Limiter that also implements WindowSweeper is swept together with the store.
type Deps struct {
	Store    *conversation.Store
	Limiter  ratelimit.Admitter
	Registry Resolver
	Bus      Publisher
	Tokens   usage.TokenCounter
	Clock    func() time.Time
}

// TurnRequest is one caller turn.
type TurnRequest struct {
	ConversationID string
	Owner          string
	Message        string
	Model          string
	Temperature    float64
	SystemPrompt   string
}

// Reply is the result of a buffered exchange.
type Reply struct {
	Content      string    `json:"content"`
	Model        string    `json:"model"`
	CompletionID string    `json:"completionId"`
	Timestamp    time.Time `json:"timestamp"`
}

// ChunkEvent is one unit of a streamed exchange. The last event on a channel has Final set
// and carries either CompletionID or Failure.
type ChunkEvent struct {
	Delta        string
	Final        bool
	CompletionID string
	Failure      string
}

// Stats is a point-in-time view for the admin surface.
type Stats struct {
	Conversations int      `json:"conversations"`
	Identities    int      `json:"identities"`
	Models        []string `json:"models"`
}

// Orchestrator runs chat exchanges against the configured providers.
type Orchestrator struct {
	store    *conversation.Store
	limiter  ratelimit.Admitter
	registry Resolver
	bus      Publisher
	tokens   usage.TokenCounter
	now      func() time.Time
	cfg      Config
	janitor  *Janitor
}

// NewOrchestrator wires an Orchestrator. Missing optional deps get no-op or estimating defaults.
func NewOrchestrator(d Deps, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		store:    d.Store,
		limiter:  d.Limiter,
		registry: d.Registry,
		bus:      d.Bus,
		tokens:   d.Tokens,
		now:      d.Clock,
		cfg:      cfg,
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.tokens == nil {
		o.tokens = usage.EstimateCounter{}
	}
	o.janitor = &Janitor{Store: d.Store, MaxAge: cfg.ConversationTTL}
	if ws, ok := d.Limiter.(WindowSweeper); ok {
		o.janitor.Limiter = ws
	}
	return o
}

// Janitor returns a janitor sweeping the orchestrator's store and limiter every interval.
func (o *Orchestrator) Janitor(interval time.Duration) *Janitor {
	j := *o.janitor
	j.Interval = interval
	j.Clock = o.now
	return &j
}

// exchange is an admitted, validated, gated turn ready for the upstream call.
type exchange struct {
	req      TurnRequest
	mode     usage.Mode
	binding  llm.Binding
	provider llm.Provider
	request  llm.ChatRequest
	started  time.Time
	// userAt stamps the user turn; taken once the gate is held so history stays chronological.
	userAt  time.Time
	release func()
}

// SendTurn runs a buffered exchange and commits the user and assistant turns on success.
func (o *Orchestrator) SendTurn(ctx context.Context, req TurnRequest) (*Reply, error) {
	ex, err := o.begin(ctx, req, usage.ModeBuffered)
	if err != nil {
		return nil, err
	}
	defer ex.release()

	upCtx, cancel := context.WithTimeout(ctx, o.cfg.UpstreamTimeout)
	defer cancel()

	resp, err := ex.provider.ChatCompletion(upCtx, ex.request)
	if err != nil {
		uerr := o.upstreamError(ex, err)
		o.finish(ex, "", "", uerr)
		return nil, uerr
	}

	completionID, assistantAt, err := o.commit(ex, resp.Content)
	if err != nil {
		o.finish(ex, "", "", err)
		return nil, err
	}
	o.finish(ex, completionID, resp.Content, nil)

	return &Reply{
		Content:      resp.Content,
		Model:        req.Model,
		CompletionID: completionID,
		Timestamp:    assistantAt,
	}, nil
}

// StreamTurn starts a streamed exchange. Admission, validation and ownership failures are
// returned synchronously; every later outcome, including an upstream that refuses the stream,
// arrives on the returned channel, which ends with exactly one Final event and is then closed.
// The caller must drain it.
func (o *Orchestrator) StreamTurn(ctx context.Context, req TurnRequest) (<-chan ChunkEvent, error) {
	ex, err := o.begin(ctx, req, usage.ModeStream)
	if err != nil {
		return nil, err
	}

	upstreamParent := ctx
	if o.cfg.CompleteOnDisconnect {
		upstreamParent = context.WithoutCancel(ctx)
	}
	upCtx, cancel := context.WithTimeout(upstreamParent, o.cfg.UpstreamTimeout)

	out := make(chan ChunkEvent, chunkBuffer)
	deltas, err := openStream(upCtx, ex.provider, ex.request)
	if err != nil {
		cancel()
		ex.release()
		uerr := o.upstreamError(ex, err)
		o.finish(ex, "", "", uerr)
		out <- ChunkEvent{Final: true, Failure: uerr.Message}
		close(out)
		return out, nil
	}

	go func() {
		defer close(out)
		defer cancel()
		defer ex.release()
		o.pump(ctx, upCtx, ex, deltas, out)
	}()
	return out, nil
}

// pump forwards upstream deltas to out and finishes the exchange exactly once.
func (o *Orchestrator) pump(callerCtx, upCtx context.Context, ex *exchange, deltas <-chan llm.StreamDelta, out chan<- ChunkEvent) {
	var b strings.Builder
	for d := range deltas {
		switch {
		case d.Err != nil:
			uerr := o.upstreamError(ex, d.Err)
			o.finish(ex, "", "", uerr)
			out <- ChunkEvent{Final: true, Failure: uerr.Message}
			return
		case d.Done:
			content := b.String()
			completionID, _, err := o.commit(ex, content)
			if err != nil {
				o.finish(ex, "", "", err)
				out <- ChunkEvent{Final: true, Failure: MessageOf(err)}
				return
			}
			o.finish(ex, completionID, content, nil)
			out <- ChunkEvent{Final: true, CompletionID: completionID}
			return
		default:
			b.WriteString(d.Content)
			out <- ChunkEvent{Delta: d.Content}
		}
	}

	// The adapter stopped without a terminal element: its context ended.
	cause := upCtx.Err()
	if cause == nil {
		cause = errors.New("stream closed without completion")
	}
	var ferr *Error
	if callerCtx.Err() != nil && !errors.Is(cause, context.DeadlineExceeded) {
		ferr = newError(CodeUpstream, "exchange abandoned by caller", cause)
	} else {
		ferr = o.upstreamError(ex, cause)
	}
	o.finish(ex, "", "", ferr)
	out <- ChunkEvent{Final: true, Failure: ferr.Message}
}

// openStream uses the incremental capability when the adapter has it and otherwise
// delivers the buffered reply as a single delta.
func openStream(ctx context.Context, p llm.Provider, req llm.ChatRequest) (<-chan llm.StreamDelta, error) {
	if sp, ok := p.(llm.StreamingProvider); ok {
		return sp.ChatCompletionStream(ctx, req)
	}
	out := make(chan llm.StreamDelta, 2)
	go func() {
		defer close(out)
		resp, err := p.ChatCompletion(ctx, req)
		if err != nil {
			out <- llm.StreamDelta{Err: err}
			return
		}
		if resp.Content != "" {
			out <- llm.StreamDelta{Content: resp.Content}
		}
		out <- llm.StreamDelta{Done: true}
	}()
	return out, nil
}

// begin runs every check that precedes the upstream call, in order:
// admission, validation, ownership, exchange gate, context build.
func (o *Orchestrator) begin(ctx context.Context, req TurnRequest, mode usage.Mode) (*exchange, error) {
	started := o.now()

	admitted, err := o.limiter.Admit(ctx, req.Owner, started)
	if err != nil {
		return nil, newError(CodeInternal, "rate limiter unavailable", err)
	}
	if !admitted {
		return nil, newError(CodeRateLimited, "rate limit exceeded, retry later", nil)
	}

	ex := &exchange{req: req, mode: mode, started: started, release: func() {}}

	if err := o.validate(req); err != nil {
		o.finish(ex, "", "", err)
		return nil, err
	}

	release, err := o.claim(ctx, req, started)
	if err != nil {
		o.finish(ex, "", "", err)
		return nil, err
	}
	ex.release = release

	conv, ok := o.store.Get(req.ConversationID)
	if !ok {
		release()
		ierr := newError(CodeInternal, "internal error", fmt.Errorf("conversation %q vanished under its gate", req.ConversationID))
		o.finish(ex, "", "", ierr)
		return nil, ierr
	}

	binding, provider, err := o.registry.Resolve(req.Model)
	if err != nil {
		release()
		rerr := newError(CodeUnsupportedModel, fmt.Sprintf("model %q is not supported", req.Model), err)
		o.finish(ex, "", "", rerr)
		return nil, rerr
	}
	ex.userAt = o.now()
	if n := len(conv.Turns); n > 0 && ex.userAt.Before(conv.Turns[n-1].Timestamp) {
		ex.userAt = conv.Turns[n-1].Timestamp
	}
	ex.binding = binding
	ex.provider = provider
	ex.request = llm.ChatRequest{
		Model:       req.Model,
		Messages:    buildContext(req, conv.Turns),
		Temperature: req.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	}
	return ex, nil
}

func (o *Orchestrator) validate(req TurnRequest) *Error {
	if strings.TrimSpace(req.ConversationID) == "" {
		return newError(CodeInvalidParameter, "conversation id is required", nil)
	}
	if !o.registry.Supports(req.Model) {
		return newError(CodeUnsupportedModel, fmt.Sprintf("model %q is not supported", req.Model), nil)
	}
	if math.IsNaN(req.Temperature) || req.Temperature < 0 || req.Temperature > 1 {
		return newError(CodeInvalidParameter, "temperature must be between 0 and 1", nil)
	}
	if strings.TrimSpace(req.Message) == "" {
		return newError(CodeInvalidParameter, "message is required", nil)
	}
	if n := utf8.RuneCountInString(req.Message); n > o.cfg.MaxMessageRunes {
		return newError(CodeTooLong, fmt.Sprintf("message is %d characters, limit is %d", n, o.cfg.MaxMessageRunes), nil)
	}
	if n := utf8.RuneCountInString(req.SystemPrompt); n > o.cfg.MaxSystemPromptRunes {
		return newError(CodeTooLong, fmt.Sprintf("system prompt is %d characters, limit is %d", n, o.cfg.MaxSystemPromptRunes), nil)
	}
	return nil
}

// claim creates the conversation if needed, checks ownership and takes the exchange gate.
// A conversation swept between create and gate is recreated once.
func (o *Orchestrator) claim(ctx context.Context, req TurnRequest, now time.Time) (func(), error) {
	for attempt := 0; attempt < 2; attempt++ {
		conv, _ := o.store.CreateIfAbsent(req.ConversationID, req.Owner, now)
		if conv.Owner != req.Owner {
			return nil, newError(CodeForbidden, "conversation belongs to another identity", nil)
		}

		release, err := o.store.Acquire(ctx, req.ConversationID)
		switch {
		case err == nil:
			return release, nil
		case errors.Is(err, conversation.ErrNotFound):
			continue
		default:
			return nil, newError(CodeInternal, "request cancelled before the exchange started", err)
		}
	}
	return nil, newError(CodeInternal, "internal error", fmt.Errorf("conversation %q: %w", req.ConversationID, conversation.ErrNotFound))
}

// buildContext is the optional system turn, the stored history and the new user turn.
func buildContext(req TurnRequest, history []conversation.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: string(conversation.RoleSystem), Content: req.SystemPrompt})
	}
	for _, t := range history {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	return append(msgs, llm.Message{Role: string(conversation.RoleUser), Content: req.Message})
}

// commit appends the user and assistant turns together.
func (o *Orchestrator) commit(ex *exchange, content string) (string, time.Time, error) {
	assistantAt := o.now()
	if assistantAt.Before(ex.userAt) {
		assistantAt = ex.userAt
	}
	err := o.store.AppendTurns(ex.req.ConversationID,
		conversation.Turn{Role: conversation.RoleUser, Content: ex.req.Message, Timestamp: ex.userAt},
		conversation.Turn{Role: conversation.RoleAssistant, Content: content, Timestamp: assistantAt},
	)
	if err != nil {
		return "", time.Time{}, newError(CodeInternal, "internal error", fmt.Errorf("commit %q: %w", ex.req.ConversationID, err))
	}
	return uuid.NewString(), assistantAt, nil
}

func (o *Orchestrator) upstreamError(ex *exchange, err error) *Error {
	msg := fmt.Sprintf("upstream provider %q failed", ex.binding.ProviderName)
	if errors.Is(err, context.DeadlineExceeded) {
		msg = fmt.Sprintf("upstream provider %q timed out", ex.binding.ProviderName)
	}
	return newError(CodeUpstream, msg, err)
}

// finish logs the exchange and publishes its ledger record.
func (o *Orchestrator) finish(ex *exchange, completionID, content string, err error) {
	finished := o.now()
	rec := usage.ExchangeRecord{
		CompletionID:   completionID,
		ConversationID: ex.req.ConversationID,
		Identity:       ex.req.Owner,
		Model:          ex.req.Model,
		Provider:       ex.binding.ProviderName,
		Mode:           ex.mode,
		Outcome:        usage.OutcomeSuccess,
		StartedAt:      ex.started,
		FinishedAt:     finished,
	}
	if ex.provider != nil {
		for _, m := range ex.request.Messages {
			rec.PromptTokens += o.tokens.Count(m.Content)
		}
		rec.CompletionTokens = o.tokens.Count(content)
	}

	logger := log.With().
		Str("component", "chat").
		Str("conv_id", ex.req.ConversationID).
		Str("identity", ex.req.Owner).
		Str("model", ex.req.Model).
		Str("mode", string(ex.mode)).
		Dur("elapsed", finished.Sub(ex.started)).
		Logger()

	if err != nil {
		rec.Outcome = usage.OutcomeError
		rec.ErrorCode = string(CodeOf(err))
		abandoned := errors.Is(err, context.Canceled) || (errors.Is(err, context.DeadlineExceeded) && ex.provider == nil)
		if abandoned {
			rec.Outcome = usage.OutcomeAbandoned
		}
		switch {
		case abandoned:
			logger.Info().Err(err).Msg("exchange abandoned")
		case CodeOf(err) == CodeInternal:
			logger.Error().Err(err).Msg("exchange failed")
		case CodeOf(err) == CodeUpstream:
			logger.Warn().Err(err).Msg("exchange failed")
		default:
			logger.Debug().Err(err).Msg("exchange rejected")
		}
	} else {
		logger.Info().Str("completion_id", completionID).Int("completion_tokens", rec.CompletionTokens).Msg("exchange committed")
	}

	if o.bus != nil {
		o.bus.Publish(usage.Topic, rec)
	}
}

// History returns the conversation if identity owns it.
func (o *Orchestrator) History(_ context.Context, identity, id string) (conversation.Conversation, error) {
	conv, ok := o.store.Get(id)
	if !ok {
		return conversation.Conversation{}, newError(CodeNotFound, "conversation not found", conversation.ErrNotFound)
	}
	if conv.Owner != identity {
		return conversation.Conversation{}, newError(CodeForbidden, "conversation belongs to another identity", nil)
	}
	return conv, nil
}

// DeleteConversation removes a conversation owned by identity once no exchange holds it.
func (o *Orchestrator) DeleteConversation(ctx context.Context, identity, id string) error {
	if _, err := o.History(ctx, identity, id); err != nil {
		return err
	}
	release, err := o.store.Acquire(ctx, id)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return newError(CodeNotFound, "conversation not found", err)
		}
		return newError(CodeInternal, "internal error", err)
	}
	defer release()
	if !o.store.Delete(id) {
		return newError(CodeNotFound, "conversation not found", conversation.ErrNotFound)
	}
	log.Info().Str("component", "chat").Str("conv_id", id).Str("identity", identity).Msg("conversation deleted")
	return nil
}

// ListSupportedModels returns every configured model, sorted.
func (o *Orchestrator) ListSupportedModels() []string {
	return o.registry.ListModels()
}

// ConversationCount returns the number of live conversations.
func (o *Orchestrator) ConversationCount() int {
	return o.store.Count()
}

// ForceExpireSweep runs one sweep of conversations and rate windows at now.
func (o *Orchestrator) ForceExpireSweep(now time.Time) SweepResult {
	res := o.janitor.SweepOnce(now)
	log.Info().
		Str("component", "chat").
		Int("conversations", res.Conversations).
		Int("identities", res.Identities).
		Msg("forced sweep")
	return res
}

// Stats returns counters for the admin surface.
func (o *Orchestrator) Stats() Stats {
	s := Stats{Conversations: o.store.Count(), Models: o.registry.ListModels()}
	if t, ok := o.limiter.(interface{ Tracked() int }); ok {
		s.Identities = t.Tracked()
	}
	return s
}
