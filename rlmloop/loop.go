package rlmloop

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/viplismism/rlm-cli/llm"
	"github.com/viplismism/rlm-cli/pyrepl"
)

// Interpreter is the channel surface the loop depends on.
type Interpreter interface {
	Start(ctx context.Context) error
	SetContext(text string) error
	ResetTerminal() error
	Execute(ctx context.Context, code string) (*pyrepl.ExecResult, error)
	SetCallbackHandler(h pyrepl.CallbackHandler)
	Shutdown()
}

// Result is the terminal value of one run. A run always produces one,
// whether it finished, hit a ceiling, failed to start, or was cancelled.
type Result struct {
	Answer          string `json:"answer"`
	Iterations      int    `json:"iterations"`
	TotalSubQueries int    `json:"total_sub_queries"`
	Completed       bool   `json:"completed"`
}

// Loop orchestrates one run: completion calls, code execution, sub-query
// dispatch, budgets, and termination.
type Loop struct {
	id      string
	cfg     Config
	client  llm.Client
	interp  Interpreter
	emitter *EventEmitter
	logger  *zap.Logger

	mu              sync.Mutex
	totalSubQueries int
	subQueryIndex   int // per-iteration display counter
	records         []SubQueryRecord
}

// NewLoop creates a run over the given client and interpreter. A nil
// logger disables logging.
func NewLoop(cfg Config, client llm.Client, interp Interpreter, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.New().String()
	return &Loop{
		id:      id,
		cfg:     cfg.normalize(),
		client:  client,
		interp:  interp,
		emitter: NewEventEmitter(id, 256),
		logger:  logger,
	}
}

// ID returns the run identifier.
func (l *Loop) ID() string { return l.id }

// Events returns the progress event channel. It is closed when Run
// returns.
func (l *Loop) Events() <-chan RunEvent { return l.emitter.Events() }

// Records returns the sub-query records of the most recent execution step.
func (l *Loop) Records() []SubQueryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SubQueryRecord, len(l.records))
	copy(out, l.records)
	return out
}

func (l *Loop) subQueryTotal() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalSubQueries
}

// Run executes the full loop for one question over one context. The
// interpreter is torn down on every exit path; the returned Result is
// always well-formed, even on abort or setup failure.
func (l *Loop) Run(ctx context.Context, contextText, question string) *Result {
	defer l.interp.Shutdown()
	defer l.emitter.Close()

	l.emitter.Emit(EventRunStart, map[string]interface{}{
		"question":      question,
		"context_chars": len(contextText),
	})

	l.interp.SetCallbackHandler(l.handleSubQuery)

	res := l.run(ctx, contextText, question)

	l.emitter.Emit(EventRunEnd, map[string]interface{}{
		"answer":            res.Answer,
		"iterations":        res.Iterations,
		"total_sub_queries": res.TotalSubQueries,
		"completed":         res.Completed,
	})
	return res
}

func (l *Loop) run(ctx context.Context, contextText, question string) *Result {
	if err := l.interp.Start(ctx); err != nil {
		l.logger.Error("interpreter start failed", zap.Error(err))
		return l.failure(0, fmt.Sprintf("failed to start interpreter: %v", err))
	}
	if err := l.interp.SetContext(contextText); err != nil {
		l.logger.Error("context binding failed", zap.Error(err))
		return l.failure(0, fmt.Sprintf("failed to bind context: %v", err))
	}
	if err := l.interp.ResetTerminal(); err != nil {
		l.logger.Error("terminal reset failed", zap.Error(err))
		return l.failure(0, fmt.Sprintf("failed to reset interpreter: %v", err))
	}

	history := []llm.Message{
		llm.UserMessage(contextPreamble(contextText, question, l.cfg.ContextPeekLines)),
	}

	for iteration := 1; iteration <= l.cfg.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return l.aborted(iteration - 1)
		}

		l.emitter.Emit(EventGeneratingCode, map[string]interface{}{
			"iteration":      iteration,
			"ceiling":        l.cfg.MaxIterations,
			"subquery_total": l.subQueryTotal(),
		})

		resp, err := l.client.Complete(ctx, llm.Request{
			Model:        l.cfg.Model,
			SystemPrompt: rootSystemPrompt,
			Messages:     history,
		})
		if err != nil {
			if ctx.Err() != nil {
				return l.aborted(iteration)
			}
			if llm.IsAuthError(err) {
				l.logger.Error("authentication failure", zap.Error(err))
				return l.failure(iteration, fmt.Sprintf("authentication failed: %v; check the configured API key", err))
			}
			l.logger.Warn("completion failed, continuing", zap.Error(err), zap.Int("iteration", iteration))
			history = append(history, llm.UserMessage(completionErrorFeedback(err)))
			continue
		}

		raw := resp.Text()
		history = append(history, llm.AssistantMessage(raw))

		code, ok := ExtractCode(raw)
		if !ok {
			l.logger.Debug("no code in response", zap.Int("iteration", iteration))
			history = append(history, llm.UserMessage(noCodeFeedback))
			continue
		}

		l.mu.Lock()
		l.subQueryIndex = 0
		l.records = nil
		l.mu.Unlock()

		l.emitter.Emit(EventExecuting, map[string]interface{}{
			"code":              code,
			"raw_response_text": raw,
		})

		execRes, err := l.interp.Execute(ctx, code)
		if err != nil {
			if ctx.Err() != nil {
				return l.aborted(iteration)
			}
			l.logger.Warn("execution failed, continuing", zap.Error(err), zap.Int("iteration", iteration))
			history = append(history, llm.UserMessage(executionErrorFeedback(err)))
			continue
		}

		stdout := TruncateStdout(execRes.Stdout, l.cfg.StdoutLimit)
		stderr := TruncateStderr(execRes.Stderr, l.cfg.StderrLimit)
		l.emitter.Emit(EventCheckingFinal, map[string]interface{}{
			"stdout":         stdout,
			"stderr":         stderr,
			"subquery_total": l.subQueryTotal(),
		})

		if execRes.HasFinal {
			return &Result{
				Answer:          execRes.FinalValue,
				Iterations:      iteration,
				TotalSubQueries: l.subQueryTotal(),
				Completed:       true,
			}
		}

		history = append(history, llm.UserMessage(executionFeedback(
			stdout, stderr, iteration, l.cfg.MaxIterations, l.subQueryTotal(), l.cfg.MaxSubQueries)))
	}

	return &Result{
		Answer:          "max iterations reached without a final answer",
		Iterations:      l.cfg.MaxIterations,
		TotalSubQueries: l.subQueryTotal(),
		Completed:       false,
	}
}

func (l *Loop) aborted(iterations int) *Result {
	return &Result{
		Answer:          "run aborted by cancellation",
		Iterations:      iterations,
		TotalSubQueries: l.subQueryTotal(),
		Completed:       false,
	}
}

func (l *Loop) failure(iterations int, answer string) *Result {
	return &Result{
		Answer:          answer,
		Iterations:      iterations,
		TotalSubQueries: l.subQueryTotal(),
		Completed:       false,
	}
}
