// Package runtime drives a conversation turn: it resolves pending tool
// calls, invokes the selected provider, reduces streaming deltas into the
// event log, and persists and streams progress until the model stops
// requesting tools. The event log is the single source of truth; stream
// frames are derived UI updates.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/budchat/budchat/config"
	"github.com/budchat/budchat/events"
	"github.com/budchat/budchat/providers"
	"github.com/budchat/budchat/store"
	"github.com/budchat/budchat/stream"
	"github.com/budchat/budchat/telemetry"
)

type (
	// ToolExecutor runs one tool call and returns its output. Execution
	// errors are per-call data, not turn failures: the error text becomes
	// the tool result the model sees on the next iteration.
	ToolExecutor interface {
		Execute(ctx context.Context, call events.ToolCall) (any, error)
	}

	// ToolExecutorFunc adapts a function to ToolExecutor.
	ToolExecutorFunc func(ctx context.Context, call events.ToolCall) (any, error)

	// TurnRequest describes one user turn.
	TurnRequest struct {
		// ConversationID selects the event log to operate on. Empty creates
		// a new conversation, announced with a conversationCreated frame
		// before any other frame.
		ConversationID string
		// WorkspaceID and BudID seed the conversation envelope when
		// ConversationID is empty.
		WorkspaceID string
		BudID       string
		// UserText is the new user message. Empty resumes a conversation
		// with pending tool calls without adding a user event.
		UserText string
		// Model selects the model; the provider transform derives from it
		// unless Provider overrides the routing.
		Model string
		// Provider optionally forces a provider transform.
		Provider providers.Name
		// Temperature and MaxTokens pass through to the provider.
		Temperature float64
		MaxTokens   int
		// Tools lists function tools available to the model.
		Tools []providers.ToolDefinition
		// BuiltIn enables vendor built-in tools on capable surfaces.
		BuiltIn providers.BuiltInTools
		// ReasoningEffort and ReasoningSummary override the configured
		// reasoning defaults.
		ReasoningEffort  string
		ReasoningSummary string
	}

	// TurnResult reports the outcome of a completed turn.
	TurnResult struct {
		// ConversationID identifies the conversation the turn ran against,
		// including one created for the turn.
		ConversationID string
		// Final is the last assistant event of the turn.
		Final events.Event
		// Iterations counts provider round trips consumed.
		Iterations int
		// CapReached reports that the iteration cap ended the turn while
		// the model still requested tools.
		CapReached bool
	}

	// Options configures a Runner.
	Options struct {
		Clients  map[providers.Name]providers.Client
		Store    store.Store
		Executor ToolExecutor
		Limits   config.Limits
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		Tracer   telemetry.Tracer
	}

	// Runner executes turns against a conversation store.
	Runner struct {
		clients  map[providers.Name]providers.Client
		store    store.Store
		executor ToolExecutor
		limits   config.Limits
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
	}
)

// Execute implements ToolExecutor.
func (f ToolExecutorFunc) Execute(ctx context.Context, call events.ToolCall) (any, error) {
	return f(ctx, call)
}

// ErrNoExecutor reports a model tool call with no executor configured.
var ErrNoExecutor = errors.New("runtime: no tool executor configured")

// NewRunner builds a Runner.
func NewRunner(opts Options) (*Runner, error) {
	if len(opts.Clients) == 0 {
		return nil, errors.New("runtime: at least one provider client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("runtime: store is required")
	}
	limits := opts.Limits
	if limits.MaxIterations <= 0 {
		limits.MaxIterations = config.DefaultMaxIterations
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Runner{
		clients:  opts.Clients,
		store:    opts.Store,
		executor: opts.Executor,
		limits:   limits,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}, nil
}

// client resolves the provider transform for a request. Unknown names are
// hard errors; there is no safe default vendor format.
func (r *Runner) client(req TurnRequest) (providers.Client, providers.Name, error) {
	name := req.Provider
	if name == "" {
		name = providers.Select(req.Model)
	}
	if !providers.Valid(name) {
		return nil, "", fmt.Errorf("%w: %q", providers.ErrUnknownProvider, name)
	}
	c, ok := r.clients[name]
	if !ok {
		return nil, "", fmt.Errorf("%w: no client for %q", providers.ErrUnknownProvider, name)
	}
	return c, name, nil
}

// RunTurn executes one user turn to completion: it creates the conversation
// when the request does not name one, appends the user event, then
// alternates provider invocations and tool executions until the model stops
// requesting tools, the iteration cap is hit, or the context is canceled.
// Frames stream to sink throughout; a Done frame always closes the stream.
func (r *Runner) RunTurn(ctx context.Context, req TurnRequest, sink stream.Sink) (TurnResult, error) {
	started := time.Now()
	ctx, span := r.tracer.Start(ctx, "runtime.turn")
	defer span.End()

	var res TurnResult
	err := r.ensureConversation(ctx, &req, sink)
	if err == nil {
		res, err = r.runTurn(ctx, req, sink)
	}
	res.ConversationID = req.ConversationID

	r.metrics.RecordTimer(telemetry.MetricTurnDuration, time.Since(started), "model", req.Model)
	r.metrics.IncCounter(telemetry.MetricTurns, 1, "model", req.Model)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.emitError(ctx, sink, req.ConversationID, err)
	}
	// Done closes the stream on every path so clients never hang.
	if sendErr := sink.Send(ctx, stream.Done{Base: stream.NewBase(stream.FrameDone, req.ConversationID)}); sendErr != nil && err == nil {
		err = sendErr
	}
	return res, err
}

// ensureConversation creates the conversation for requests that do not
// name one and announces it on the stream, so clients learn the id before
// the first token arrives.
func (r *Runner) ensureConversation(ctx context.Context, req *TurnRequest, sink stream.Sink) error {
	if req.ConversationID != "" {
		return nil
	}
	conv, err := r.store.CreateConversation(ctx, req.WorkspaceID, req.BudID)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	req.ConversationID = conv.ID
	return sink.Send(ctx, stream.ConversationCreated{
		Base: stream.NewBase(stream.FrameConversationCreated, conv.ID),
		Data: stream.ConversationCreatedPayload{WorkspaceID: conv.WorkspaceID, BudID: conv.BudID},
	})
}

func (r *Runner) runTurn(ctx context.Context, req TurnRequest, sink stream.Sink) (TurnResult, error) {
	client, providerName, err := r.client(req)
	if err != nil {
		return TurnResult{}, err
	}

	evs, err := r.store.LoadConversationEvents(ctx, req.ConversationID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("load conversation: %w", err)
	}
	log := events.NewLog(ctx, evs...)

	if req.UserText != "" {
		user := events.New(events.RoleUser, events.TextSegment{Text: req.UserText})
		if err := r.appendEvents(ctx, req.ConversationID, log, user); err != nil {
			return TurnResult{}, err
		}
	}

	var res TurnResult
	for iteration := 0; iteration < r.limits.MaxIterations; iteration++ {
		res.Iterations = iteration + 1

		if unresolved := log.UnresolvedToolCalls(); len(unresolved) > 0 {
			if err := r.executeTools(ctx, req.ConversationID, log, unresolved, sink); err != nil {
				return res, err
			}
			continue
		}

		final, err := r.streamProviderTurn(ctx, client, providerName, req, log, sink)
		if err != nil {
			return res, err
		}
		res.Final = final

		if len(pendingCalls(final)) == 0 {
			return res, nil
		}
	}

	// The cap ending the turn is a normal completion: the partial work is
	// persisted and the client sees a closed stream, not an error.
	r.logger.Warn(ctx, "iteration cap reached",
		"conversation_id", req.ConversationID,
		"max_iterations", r.limits.MaxIterations)
	r.metrics.IncCounter(telemetry.MetricIterationCap, 1, "model", req.Model)
	res.CapReached = true
	return res, nil
}

// executeTools runs every unresolved tool call and appends one tool event
// carrying all results. Executor errors become result errors the model can
// read; only infrastructure failures (persistence, sink) abort the turn.
func (r *Runner) executeTools(ctx context.Context, conversationID string, log *events.Log, calls []events.ToolCall, sink stream.Sink) error {
	segs := make([]events.Segment, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return err
		}
		output, execErr := r.executeOne(ctx, call)
		seg := events.ToolResultSegment{ToolCallID: call.ID, Output: output}
		if execErr != nil {
			seg.Error = execErr.Error()
		}
		segs = append(segs, seg)

		if err := sink.Send(ctx, stream.ToolResult{
			Base: stream.NewBase(stream.FrameToolResult, conversationID),
			Data: stream.ToolResultPayload{ToolCallID: call.ID, Output: output, Error: seg.Error},
		}); err != nil {
			return err
		}
		if err := sink.Send(ctx, stream.ToolComplete{
			Base: stream.NewBase(stream.FrameToolComplete, conversationID),
			Data: stream.ToolCompletePayload{ToolCallID: call.ID},
		}); err != nil {
			return err
		}
	}
	toolEvent := events.New(events.RoleTool, segs...)
	return r.appendEvents(ctx, conversationID, log, toolEvent)
}

func (r *Runner) executeOne(ctx context.Context, call events.ToolCall) (any, error) {
	if r.executor == nil {
		return nil, fmt.Errorf("%w: tool %q", ErrNoExecutor, call.Name)
	}
	started := time.Now()
	output, err := r.executor.Execute(ctx, call)
	r.metrics.RecordTimer(telemetry.MetricToolDuration, time.Since(started), "tool", call.Name)
	r.metrics.IncCounter(telemetry.MetricToolCalls, 1, "tool", call.Name)
	if err != nil {
		r.logger.Warn(ctx, "tool execution failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"error", err.Error())
	}
	return output, err
}

// streamProviderTurn runs one provider invocation: a placeholder assistant
// event persists first so the turn is visible immediately, then stream
// deltas reduce into it and the finalized event replaces it in place. On
// cancellation the partial event finalizes and persists before the error
// propagates, so interrupted turns keep their partial content.
func (r *Runner) streamProviderTurn(ctx context.Context, client providers.Client, providerName providers.Name, req TurnRequest, log *events.Log, sink stream.Sink) (events.Event, error) {
	builder := events.NewStreamBuilder()
	placeholder := builder.Current()
	if err := r.appendEvents(ctx, req.ConversationID, log, placeholder); err != nil {
		return events.Event{}, err
	}

	preq := providers.Request{
		Model:            req.Model,
		Events:           log.Events(),
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		Tools:            req.Tools,
		BuiltIn:          req.BuiltIn,
		ReasoningEffort:  req.ReasoningEffort,
		ReasoningSummary: req.ReasoningSummary,
		ToolOutputCap:    r.limits.ToolOutputCapFor(string(providerName)),
	}

	streamer, err := client.Stream(ctx, preq)
	if err != nil {
		r.finalizePartial(ctx, req.ConversationID, log, builder)
		return events.Event{}, fmt.Errorf("provider stream: %w", err)
	}
	defer func() { _ = streamer.Close() }()

	var usage *events.TokenUsage
	stopReason := ""
	for {
		sev, err := streamer.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			r.metrics.IncCounter(telemetry.MetricStreamErrors, 1, "provider", string(providerName))
			r.finalizePartial(ctx, req.ConversationID, log, builder)
			return events.Event{}, fmt.Errorf("provider stream: %w", err)
		}
		if err := r.applyStreamEvent(ctx, req.ConversationID, builder, sev, sink); err != nil {
			r.finalizePartial(ctx, req.ConversationID, log, builder)
			return events.Event{}, err
		}
		switch sev.Type {
		case providers.StreamUsage:
			usage = sev.Usage
		case providers.StreamStop:
			stopReason = sev.StopReason
		}
	}

	if usage != nil || stopReason != "" {
		meta := events.ResponseMeta{Model: req.Model, StopReason: stopReason}
		if usage != nil {
			meta.Usage = *usage
			r.metrics.IncCounter(telemetry.MetricTokensConsumed, float64(usage.TotalTokens), "model", req.Model)
		}
		builder.SetResponseMeta(meta)
	}

	final := builder.Finalize()
	if !log.Update(ctx, final) {
		return events.Event{}, fmt.Errorf("runtime: lost track of in-flight event %s", final.ID)
	}
	if err := r.store.UpdateEvent(ctx, req.ConversationID, final); err != nil {
		return events.Event{}, fmt.Errorf("persist assistant event: %w", err)
	}

	if err := sink.Send(ctx, stream.MessageFinal{
		Base: stream.NewBase(stream.FrameMessageFinal, req.ConversationID),
		Data: stream.MessageFinalPayload{Event: final},
	}); err != nil {
		return events.Event{}, err
	}
	if usage != nil {
		if err := sink.Send(ctx, stream.UsageFrame{
			Base: stream.NewBase(stream.FrameUsage, req.ConversationID),
			Data: stream.UsagePayload{Usage: *usage},
		}); err != nil {
			return events.Event{}, err
		}
	}
	return final, nil
}

// applyStreamEvent reduces one normalized provider delta into the builder
// and mirrors it to the sink.
func (r *Runner) applyStreamEvent(ctx context.Context, conversationID string, builder *events.StreamBuilder, sev providers.StreamEvent, sink stream.Sink) error {
	base := func(t stream.FrameType) stream.Base { return stream.NewBase(t, conversationID) }
	switch sev.Type {
	case providers.StreamText:
		builder.AddTextChunk(sev.Text)
		return sink.Send(ctx, stream.Token{Base: base(stream.FrameToken), Data: stream.TokenPayload{Text: sev.Text}})
	case providers.StreamTextFinal:
		builder.SetFinalText(sev.ItemID, sev.Text)
		return nil
	case providers.StreamToolStart:
		builder.AddToolCall(sev.ToolID, sev.ToolName, nil)
		return sink.Send(ctx, stream.ToolStart{
			Base: base(stream.FrameToolStart),
			Data: stream.ToolStartPayload{ToolCallID: sev.ToolID, ToolName: sev.ToolName},
		})
	case providers.StreamToolArgsDelta:
		builder.AddToolCallArgsDelta(sev.ToolID, sev.ToolName, sev.ArgsDelta)
		return nil
	case providers.StreamToolCall:
		builder.AddToolCall(sev.ToolID, sev.ToolName, sev.Args)
		builder.CompleteToolCall(sev.ToolID)
		return sink.Send(ctx, stream.ToolFinalized{
			Base: base(stream.FrameToolFinalized),
			Data: stream.ToolFinalizedPayload{ToolCallID: sev.ToolID, ToolName: sev.ToolName, Args: sev.Args},
		})
	case providers.StreamReasoningStart:
		builder.StartReasoning(sev.ItemID)
		return sink.Send(ctx, stream.ReasoningStart{
			Base: base(stream.FrameReasoningStart),
			Data: stream.ReasoningPayload{ItemID: sev.ItemID},
		})
	case providers.StreamReasoningPartAdd:
		builder.AddReasoningPartDelta(sev.ItemID, sev.SummaryIndex, sev.Text)
		return sink.Send(ctx, stream.ReasoningPartAdded{
			Base: base(stream.FrameReasoningPartAdded),
			Data: stream.ReasoningPayload{ItemID: sev.ItemID, SummaryIndex: sev.SummaryIndex, Text: sev.Text},
		})
	case providers.StreamReasoningDelta:
		builder.AddReasoningPartDelta(sev.ItemID, sev.SummaryIndex, sev.Text)
		return sink.Send(ctx, stream.ReasoningDelta{
			Base: base(stream.FrameReasoningDelta),
			Data: stream.ReasoningPayload{ItemID: sev.ItemID, SummaryIndex: sev.SummaryIndex, Text: sev.Text},
		})
	case providers.StreamReasoningPartDone:
		builder.CompleteReasoningPart(sev.ItemID, sev.SummaryIndex)
		return sink.Send(ctx, stream.ReasoningPartDone{
			Base: base(stream.FrameReasoningPartDone),
			Data: stream.ReasoningPayload{ItemID: sev.ItemID, SummaryIndex: sev.SummaryIndex},
		})
	case providers.StreamBuiltIn:
		if sev.Segment != nil {
			builder.AddBuiltInCall(sev.Segment)
		}
		return nil
	case providers.StreamUsage, providers.StreamStop:
		return nil
	default:
		r.logger.Debug(ctx, "ignoring stream event", "type", string(sev.Type))
		return nil
	}
}

// finalizePartial persists whatever the builder accumulated before an
// abort so the partial turn survives in the log.
func (r *Runner) finalizePartial(ctx context.Context, conversationID string, log *events.Log, builder *events.StreamBuilder) {
	final := builder.Finalize()
	// The original context may already be canceled; persistence still runs.
	pctx := context.WithoutCancel(ctx)
	if log.Update(pctx, final) {
		if err := r.store.UpdateEvent(pctx, conversationID, final); err != nil {
			r.logger.Error(pctx, "persist partial assistant event", "error", err.Error())
		}
	}
}

func (r *Runner) appendEvents(ctx context.Context, conversationID string, log *events.Log, evs ...events.Event) error {
	for _, ev := range evs {
		if err := log.Add(ctx, ev); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}
	if _, err := r.store.SaveEvents(ctx, conversationID, evs, ""); err != nil {
		return fmt.Errorf("persist events: %w", err)
	}
	return nil
}

func (r *Runner) emitError(ctx context.Context, sink stream.Sink, conversationID string, err error) {
	sendCtx := context.WithoutCancel(ctx)
	if sendErr := sink.Send(sendCtx, stream.ErrorFrame{
		Base: stream.NewBase(stream.FrameError, conversationID),
		Data: stream.ErrorPayload{Message: err.Error()},
	}); sendErr != nil {
		r.logger.Error(sendCtx, "emit error frame", "error", sendErr.Error())
	}
}

// pendingCalls lists tool calls on ev that still need local execution:
// plain function calls without inline output. Vendor-executed calls (MCP,
// built-ins) carry their output inline and never execute locally.
func pendingCalls(ev events.Event) []events.ToolCall {
	var calls []events.ToolCall
	for _, s := range ev.Segments {
		tc, ok := s.(events.ToolCallSegment)
		if !ok {
			continue
		}
		if tc.ServerLabel != "" || tc.Output != nil || tc.Error != "" {
			continue
		}
		calls = append(calls, events.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
	}
	return calls
}
