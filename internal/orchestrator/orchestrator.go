// Package orchestrator runs a task's bounded autonomous tool loop: it
// generalizes a single-agent step loop into the full state machine of
// claim, iterate, branch on tool/confirmation, and finalize.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anemos/assistant-fabric/internal/agent"
	"github.com/anemos/assistant-fabric/internal/apperr"
	"github.com/anemos/assistant-fabric/internal/bus"
	"github.com/anemos/assistant-fabric/internal/config"
	"github.com/anemos/assistant-fabric/internal/localize"
	"github.com/anemos/assistant-fabric/internal/mcpgateway"
	"github.com/anemos/assistant-fabric/internal/otelx"
	"github.com/anemos/assistant-fabric/internal/taskstore"
)

// retryBackoff is the fixed schedule applied to transient model-gateway
// errors before falling back (if configured) or failing the iteration.
var retryBackoff = []time.Duration{500 * time.Millisecond, 2 * time.Second, 8 * time.Second}

// FinalStatus is the terminal state an Orchestrator run ends in.
type FinalStatus string

const (
	FinalCompleted FinalStatus = "completed"
	FinalFailed    FinalStatus = "failed"
)

// Result is what Dispatch returns once a task reaches a terminal state
// or yields control waiting on a tool/confirmation reply.
type Result struct {
	TaskID string
	Status FinalStatus
	Text   string
	Err    error
}

// Orchestrator drives one task through claim, iterate, and finalize.
type Orchestrator struct {
	Bus       *bus.Bus
	Store     *taskstore.Store
	Assistant *agent.AssistantAgent
	Tools     *agent.ToolAgent
	Config    config.OrchestratorConfig
	WorkerID  string
	Metrics   *otelx.Metrics
	Logger    *slog.Logger

	// FallbackAssistant is consulted after retryBackoff is exhausted, if
	// Config.CloudFallbackEnabled is set. Nil means no fallback provider
	// is configured.
	FallbackAssistant *agent.AssistantAgent

	// Confirmations routes a sensitive tool call through a human
	// approve/reject round trip before it runs. Nil means this
	// deployment never approves sensitive calls automatically; the task
	// is left in awaiting_confirmation with no confirmation record
	// created and the tool not run.
	Confirmations *mcpgateway.Confirmations

	// SeqTracker guards a task's stream-token numbering against a
	// dropped or duplicated envelope, e.g. from two workers racing on
	// the same claim. Nil disables the check.
	SeqTracker *bus.SeqTracker
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Dispatch claims taskID and runs its iteration loop until it reaches a
// terminal state, yields on a tool/confirmation branch, or the caller's
// context is canceled.
func (o *Orchestrator) Dispatch(ctx context.Context, taskID string) (Result, error) {
	ok, err := o.Store.Claim(ctx, taskID, o.WorkerID, 0)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: claim %s: %w", taskID, err)
	}
	if !ok {
		return Result{}, fmt.Errorf("orchestrator: task %s already claimed", taskID)
	}

	task, err := o.Store.Get(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	if task == nil {
		return Result{}, fmt.Errorf("orchestrator: task %s not found after claim", taskID)
	}

	if task.Status == taskstore.StatusPending {
		if _, err := o.Store.Transition(ctx, taskID, taskstore.StatusPending, taskstore.StatusRunning, nil); err != nil {
			return Result{}, err
		}
		o.publishState(ctx, taskID, string(taskstore.StatusPending), string(taskstore.StatusRunning), "dispatch")
		if o.Metrics != nil {
			o.Metrics.ActiveOrchestrations.Add(ctx, 1)
		}
	}

	maxIterations := o.Config.MaxIterations
	if !o.Config.AutonomousMode {
		// Non-autonomous mode never lets a tool call actually execute:
		// the model gets exactly one turn, and any tool call it produces
		// is serialized into the reply as a diagnostic instead.
		maxIterations = 1
	}
	if maxIterations <= 0 {
		maxIterations = 1
	}

	iterationTimeout := time.Duration(o.Config.IterationTimeoutSecs) * time.Second
	if iterationTimeout <= 0 {
		iterationTimeout = 600 * time.Second
	}

	if o.SeqTracker != nil {
		// A fresh dispatch starts a new streaming session at seq 1;
		// forget whatever a prior session left behind so a legitimate
		// resume (e.g. after awaiting_tool) isn't mistaken for a gap.
		_ = o.SeqTracker.Forget(ctx, taskID)
	}

	var seq int64
	var lastText string

	for task.Iteration < maxIterations {
		iterCtx, cancel := context.WithTimeout(ctx, iterationTimeout)
		resp, err := o.runIteration(iterCtx, task, &seq)
		cancel()

		if err != nil {
			if errors.Is(err, context.Canceled) {
				return Result{TaskID: taskID}, err
			}
			var disc *streamDisconnectedError
			if errors.As(err, &disc) {
				return o.finalizeInterrupted(ctx, taskID, disc.partial, &seq)
			}
			return o.fail(ctx, taskID, err)
		}

		task.Iteration++
		iteration := task.Iteration
		if _, err := o.Store.Transition(ctx, taskID, taskstore.StatusRunning, taskstore.StatusRunning, func(t *taskstore.Task) {
			t.Iteration = iteration
		}); err != nil {
			o.logger().Warn("orchestrator: persist iteration failed", "task_id", taskID, "err", err)
		}
		if err := o.Store.AppendMessage(ctx, taskID, "assistant", resp.Text); err != nil {
			o.logger().Warn("orchestrator: append message failed", "task_id", taskID, "err", err)
		}
		lastText = resp.Text

		switch resp.Kind {
		case agent.KindText:
			if resp.Quality > 0 && resp.Quality < o.Config.QualityThreshold {
				// Below the configured bar: treat this turn as a draft
				// and let another iteration refine it instead of
				// finalizing early.
				break
			}
			return o.finalize(ctx, taskID, resp.Text, &seq)
		case agent.KindToolCall:
			if !o.Config.AutonomousMode {
				diagnostic := resp.Text + agent.FormatToolDiagnostic(resp.ToolCall)
				return o.finalize(ctx, taskID, diagnostic, &seq)
			}
			done, err := o.runToolBranch(ctx, taskID, resp.ToolCall)
			if err != nil {
				return o.fail(ctx, taskID, err)
			}
			if !done {
				// No in-process ToolAgent (task left in awaiting_tool) or
				// no Confirmations channel (task left in
				// awaiting_confirmation); nothing in this loop resumes it.
				return Result{TaskID: taskID, Text: lastText}, nil
			}
		}

		task, err = o.Store.Get(ctx, taskID)
		if err != nil {
			return Result{}, err
		}
		if task == nil {
			return Result{}, fmt.Errorf("orchestrator: task %s vanished mid-loop", taskID)
		}
		if task.Status != taskstore.StatusRunning {
			// A branch already moved the task to a state that expects an
			// external event (awaiting_tool/awaiting_confirmation was
			// resolved back to completed/failed by a concurrent path).
			return Result{TaskID: taskID, Text: lastText}, nil
		}
	}

	// Iteration budget exhausted with no terminal answer: surface what
	// the model produced last as a best-effort reply rather than
	// silently dropping the task, annotated so the user can see it's
	// incomplete.
	return o.finalize(ctx, taskID, agent.FormatIterationLimitNotice(lastText), &seq)
}

// streamDisconnectedError reports that the model stream broke after it
// had already emitted at least one token to the bus, carrying that
// partial text so the caller finalizes on it instead of retrying — a
// retry or fallback attempt would either duplicate or desequence
// content a subscriber already received.
type streamDisconnectedError struct {
	partial string
	cause   error
}

func (e *streamDisconnectedError) Error() string {
	return fmt.Sprintf("orchestrator: stream disconnected mid-token: %v", e.cause)
}

func (e *streamDisconnectedError) Unwrap() error { return e.cause }

// tokenPublisher returns an onToken callback that assigns the next
// sequence number, guards it against SeqTracker, accumulates the token
// into partial, and publishes it as a StreamToken.
func (o *Orchestrator) tokenPublisher(ctx context.Context, task *taskstore.Task, seq *int64, partial *strings.Builder) func(string) error {
	return func(tok string) error {
		*seq++
		if o.SeqTracker != nil {
			if gapErr := o.SeqTracker.Observe(ctx, task.ID, *seq); gapErr != nil {
				return apperr.New(apperr.KindSequenceGap, "orchestrator.stream_token", gapErr)
			}
		}
		partial.WriteString(tok)
		if o.Metrics != nil {
			o.Metrics.StreamTokensEmitted.Add(ctx, 1)
		}
		return o.Bus.Publish(ctx, bus.TopicStreamToken+"."+task.ID, bus.StreamToken{
			TaskID:  task.ID,
			ChatID:  task.ChatID,
			Channel: task.Channel,
			Seq:     *seq,
			Token:   tok,
		})
	}
}

// runIteration performs one model turn, streaming tokens to the bus as
// they arrive, retrying transient failures per retryBackoff and falling
// back to a secondary provider if configured.
func (o *Orchestrator) runIteration(ctx context.Context, task *taskstore.Task, seq *int64) (agent.GenerateResponse, error) {
	assistant := o.Assistant
	var lastErr error

	for attempt := 0; attempt <= len(retryBackoff); attempt++ {
		var partial strings.Builder
		resp, err := assistant.StreamStep(ctx, task.Window, "", o.tokenPublisher(ctx, task, seq, &partial))
		if err == nil {
			if o.Metrics != nil {
				o.Metrics.OrchestratorIterations.Add(ctx, 1)
			}
			return resp, nil
		}
		if apperr.Is(err, apperr.KindSequenceGap) {
			// Not a transient model failure: the stream itself is
			// corrupted. Retrying or falling back would just produce
			// another gap on the same task.
			return agent.GenerateResponse{}, err
		}
		if partial.Len() > 0 {
			return agent.GenerateResponse{}, &streamDisconnectedError{partial: partial.String(), cause: err}
		}

		lastErr = err
		if attempt < len(retryBackoff) {
			select {
			case <-time.After(retryBackoff[attempt]):
			case <-ctx.Done():
				return agent.GenerateResponse{}, ctx.Err()
			}
			continue
		}

		if o.Config.CloudFallbackEnabled && o.FallbackAssistant != nil {
			assistant = o.FallbackAssistant
			lastErr = nil
			var fallbackPartial strings.Builder
			resp, err := assistant.StreamStep(ctx, task.Window, "", o.tokenPublisher(ctx, task, seq, &fallbackPartial))
			if err != nil {
				if fallbackPartial.Len() > 0 {
					return agent.GenerateResponse{}, &streamDisconnectedError{partial: fallbackPartial.String(), cause: err}
				}
				return agent.GenerateResponse{}, fmt.Errorf("fallback provider failed: %w", err)
			}
			return resp, nil
		}
	}
	return agent.GenerateResponse{}, fmt.Errorf("model gateway failed after retries: %w", lastErr)
}

// runToolBranch dispatches a requested tool call, routing it through a
// human confirmation round trip first if the skill's descriptor marks
// it Sensitive.
func (o *Orchestrator) runToolBranch(ctx context.Context, taskID string, call *agent.ToolCallRequest) (bool, error) {
	if o.Tools != nil && o.Tools.Registry != nil {
		if desc, ok := o.Tools.Registry.Descriptor(call.Name); ok && desc.Sensitive {
			return o.runConfirmationBranch(ctx, taskID, call)
		}
	}
	return o.executeTool(ctx, taskID, call)
}

// runConfirmationBranch suspends taskID on awaiting_confirmation while a
// human approves or rejects a sensitive tool call. A rejection or
// timeout resumes the task with a declined-tool note instead of running
// it; an approval falls through to executeTool. It reports (false, nil)
// if no Confirmations channel is configured for this deployment, in
// which case the task is left in awaiting_confirmation and no
// confirmation record is created.
func (o *Orchestrator) runConfirmationBranch(ctx context.Context, taskID string, call *agent.ToolCallRequest) (bool, error) {
	task, err := o.Store.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, fmt.Errorf("orchestrator: task %s not found before confirmation", taskID)
	}

	ok, err := o.Store.Transition(ctx, taskID, taskstore.StatusRunning, taskstore.StatusAwaitingConfirmation, func(t *taskstore.Task) {
		t.PendingToolName = call.Name
	})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("orchestrator: task %s not running before confirmation", taskID)
	}
	o.publishState(ctx, taskID, string(taskstore.StatusRunning), string(taskstore.StatusAwaitingConfirmation), call.Name)

	if o.Confirmations == nil {
		return false, nil
	}

	args := strings.TrimSpace(string(call.Arguments))
	if args == "" {
		args = "{}"
	}
	message := fmt.Sprintf("Allow %s(%s)?", call.Name, args)

	rec, err := o.Confirmations.Ask(ctx, "orchestrator:"+task.Channel, task.ChatID, message, 0)
	if err != nil {
		return false, err
	}

	resumed, err := o.Store.Transition(ctx, taskID, taskstore.StatusAwaitingConfirmation, taskstore.StatusRunning, func(t *taskstore.Task) {
		t.PendingToolName = ""
	})
	if err != nil {
		return false, err
	}
	if !resumed {
		return false, fmt.Errorf("orchestrator: task %s not awaiting_confirmation at resume", taskID)
	}
	o.publishState(ctx, taskID, string(taskstore.StatusAwaitingConfirmation), string(taskstore.StatusRunning), "confirmation_"+string(rec.Outcome))

	if rec.Outcome != mcpgateway.OutcomeConfirmed {
		if err := o.Store.AppendMessage(ctx, taskID, "tool", fmt.Sprintf("%s -> declined (%s)", call.Name, rec.Outcome)); err != nil {
			return false, err
		}
		return true, nil
	}

	return o.executeTool(ctx, taskID, call)
}

// executeTool runs the requested tool synchronously through the
// in-process ToolAgent and feeds its result back into the task window.
// It reports (false, nil) if the branch should suspend the task for an
// out-of-process ToolResult instead — the fabric's ToolAgent always runs
// in-process, so that path is exercised only when Tools is nil.
func (o *Orchestrator) executeTool(ctx context.Context, taskID string, call *agent.ToolCallRequest) (bool, error) {
	ok, err := o.Store.Transition(ctx, taskID, taskstore.StatusRunning, taskstore.StatusAwaitingTool, func(t *taskstore.Task) {
		t.PendingToolName = call.Name
	})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("orchestrator: task %s not running before tool dispatch", taskID)
	}
	o.publishState(ctx, taskID, string(taskstore.StatusRunning), string(taskstore.StatusAwaitingTool), call.Name)

	if err := o.Bus.Publish(ctx, bus.TopicToolRequest+"."+taskID, bus.ToolRequest{
		TaskID: taskID, Name: call.Name, Arguments: call.Arguments,
	}); err != nil {
		return false, err
	}

	if o.Tools == nil {
		return false, nil
	}
	outcome := o.Tools.Invoke(ctx, call)

	result := bus.ToolResult{TaskID: taskID, Name: outcome.Name, OK: outcome.OK, Result: outcome.Result, Error: outcome.Error}
	if err := o.Bus.Publish(ctx, bus.TopicToolResult+"."+taskID, result); err != nil {
		o.logger().Warn("orchestrator: publish tool result failed", "task_id", taskID, "err", err)
	}

	summary := outcome.Error
	if outcome.OK {
		summary = string(outcome.Result)
	}
	if err := o.Store.AppendMessage(ctx, taskID, "tool", fmt.Sprintf("%s -> %s", outcome.Name, summary)); err != nil {
		return false, err
	}

	ok, err = o.Store.Transition(ctx, taskID, taskstore.StatusAwaitingTool, taskstore.StatusRunning, func(t *taskstore.Task) {
		t.PendingToolName = ""
	})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("orchestrator: task %s not awaiting_tool at resume", taskID)
	}
	o.publishState(ctx, taskID, string(taskstore.StatusAwaitingTool), string(taskstore.StatusRunning), "tool_result")
	return true, nil
}

// finalize transitions taskID to completed and publishes its final
// OutgoingReply. If seq is non-nil and at least one token was already
// streamed for this task (*seq > 0), it first publishes the terminal
// StreamToken{Done: true} that closes the stream per invariant 4, so a
// subscriber following seq order sees the stream end before the
// authoritative reply supersedes it.
func (o *Orchestrator) finalize(ctx context.Context, taskID, text string, seq *int64) (Result, error) {
	task, err := o.Store.Get(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	ok, err := o.Store.Transition(ctx, taskID, taskstore.StatusRunning, taskstore.StatusCompleted, nil)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		// The task already left "running" through another path (e.g. it
		// suspended on awaiting_confirmation and was later completed by
		// that resolution); publishing a duplicate final reply here would
		// double-send, so treat this as a no-op success.
		return Result{TaskID: taskID, Status: FinalCompleted, Text: text}, nil
	}
	o.publishState(ctx, taskID, string(taskstore.StatusRunning), string(taskstore.StatusCompleted), "finalize")

	if task != nil && seq != nil && *seq > 0 {
		*seq++
		if o.SeqTracker != nil {
			_ = o.SeqTracker.Observe(ctx, taskID, *seq)
		}
		_ = o.Bus.Publish(ctx, bus.TopicStreamToken+"."+taskID, bus.StreamToken{
			TaskID:  taskID,
			ChatID:  task.ChatID,
			Channel: task.Channel,
			Seq:     *seq,
			Done:    true,
		})
	}

	reply := bus.OutgoingReply{TaskID: taskID, Text: text, Done: true}
	if task != nil {
		reply.ChatID = task.ChatID
		reply.Channel = task.Channel
	}
	if err := o.Bus.Publish(ctx, bus.TopicOutgoing+"."+taskID, reply); err != nil {
		return Result{}, err
	}
	if o.Metrics != nil {
		o.Metrics.ActiveOrchestrations.Add(ctx, -1)
	}
	return Result{TaskID: taskID, Status: FinalCompleted, Text: text}, nil
}

// finalizeInterrupted handles a mid-token stream disconnect: it publishes
// the terminal StreamToken{Done: true} the stream never got to send
// itself, then finalizes the task as completed with partial annotated as
// cut short rather than failing it outright — the model was mid-answer,
// not erroring. It passes a nil seq to finalize since the closing token
// is already sent here.
func (o *Orchestrator) finalizeInterrupted(ctx context.Context, taskID, partial string, seq *int64) (Result, error) {
	task, err := o.Store.Get(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	if task != nil {
		*seq++
		if o.SeqTracker != nil {
			_ = o.SeqTracker.Observe(ctx, taskID, *seq)
		}
		_ = o.Bus.Publish(ctx, bus.TopicStreamToken+"."+taskID, bus.StreamToken{
			TaskID:  taskID,
			ChatID:  task.ChatID,
			Channel: task.Channel,
			Seq:     *seq,
			Done:    true,
		})
	}
	return o.finalize(ctx, taskID, agent.FormatStreamInterruptedNotice(partial), nil)
}

func (o *Orchestrator) fail(ctx context.Context, taskID string, cause error) (Result, error) {
	task, _ := o.Store.Get(ctx, taskID)
	from := taskstore.StatusRunning
	if task != nil {
		from = task.Status
	}
	_, _ = o.Store.Transition(ctx, taskID, from, taskstore.StatusFailed, nil)
	o.publishState(ctx, taskID, string(from), string(taskstore.StatusFailed), cause.Error())

	reply := bus.OutgoingReply{TaskID: taskID, Text: localize.ForError(localize.DefaultLocale, cause), Done: true}
	if task != nil {
		reply.ChatID = task.ChatID
		reply.Channel = task.Channel
	}
	_ = o.Bus.Publish(ctx, bus.TopicOutgoing+"."+taskID, reply)
	return Result{TaskID: taskID, Status: FinalFailed, Err: cause}, cause
}

func (o *Orchestrator) publishState(ctx context.Context, taskID, from, to, reason string) {
	_ = o.Bus.Publish(ctx, bus.TopicTaskState+"."+taskID, bus.TaskStateEvent{
		TaskID: taskID, From: from, To: to, Reason: reason,
	})
}
