package rlmloop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/viplismism/rlm-cli/llm"
	"github.com/viplismism/rlm-cli/pyrepl"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClient answers completions via fn and records every request.
type fakeClient struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, req llm.Request) (*llm.Response, error)
	calls []llm.Request
}

func (c *fakeClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()
	return c.fn(ctx, req)
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// scriptedClient returns the given texts in order for root completions and
// "sub-answer" for every sub-query completion.
func scriptedClient(texts ...string) *fakeClient {
	var i int
	var mu sync.Mutex
	return &fakeClient{fn: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if req.SystemPrompt == subQuerySystemPrompt {
			return &llm.Response{Segments: []string{"sub-answer"}}, nil
		}
		mu.Lock()
		defer mu.Unlock()
		text := texts[len(texts)-1]
		if i < len(texts) {
			text = texts[i]
			i++
		}
		return &llm.Response{Segments: []string{text}}, nil
	}}
}

// fakeInterp is an in-memory Interpreter.
type fakeInterp struct {
	mu          sync.Mutex
	handler     pyrepl.CallbackHandler
	startErr    error
	started     bool
	shutdowns   int
	contextText string
	execs       []string
	execFn      func(ctx context.Context, code string) (*pyrepl.ExecResult, error)
}

func (f *fakeInterp) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeInterp) SetContext(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contextText = text
	return nil
}

func (f *fakeInterp) ResetTerminal() error { return nil }

func (f *fakeInterp) Execute(ctx context.Context, code string) (*pyrepl.ExecResult, error) {
	f.mu.Lock()
	f.execs = append(f.execs, code)
	fn := f.execFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, code)
	}
	return &pyrepl.ExecResult{Stdout: "ok"}, nil
}

func (f *fakeInterp) SetCallbackHandler(h pyrepl.CallbackHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeInterp) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
}

func (f *fakeInterp) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.execs)
}

// drainEvents collects the loop's events in the background; the returned
// function blocks until Run has closed the emitter, then yields them.
func drainEvents(l *Loop) func() []RunEvent {
	var events []RunEvent
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range l.Events() {
			events = append(events, ev)
		}
	}()
	return func() []RunEvent {
		<-done
		return events
	}
}

func TestRunImmediateFinalAnswer(t *testing.T) {
	client := scriptedClient("```python\nFINAL(\"done\")\n```")
	interp := &fakeInterp{
		execFn: func(ctx context.Context, code string) (*pyrepl.ExecResult, error) {
			return &pyrepl.ExecResult{HasFinal: true, FinalValue: "done"}, nil
		},
	}
	l := NewLoop(Config{MaxIterations: 5}, client, interp, nil)

	res := l.Run(context.Background(), "A\nB\nC", "what is this?")

	assert.Equal(t, "done", res.Answer)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 0, res.TotalSubQueries)
	assert.True(t, res.Completed)
	assert.Equal(t, "A\nB\nC", interp.contextText)
	assert.Equal(t, 1, interp.shutdowns)
}

func TestRunExhaustsIterationCeiling(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("ceiling %d", n), func(t *testing.T) {
			client := scriptedClient("```python\nprint('still looking')\n```")
			interp := &fakeInterp{}
			l := NewLoop(Config{MaxIterations: n}, client, interp, nil)

			res := l.Run(context.Background(), "context", "q")

			assert.False(t, res.Completed)
			assert.Equal(t, n, res.Iterations)
			assert.Equal(t, "max iterations reached without a final answer", res.Answer)
			assert.Equal(t, n, interp.execCount())
		})
	}
}

func TestRunNoCodeConsumesIterationWithoutExecuting(t *testing.T) {
	client := scriptedClient("I would suggest reading the document carefully.")
	interp := &fakeInterp{}
	l := NewLoop(Config{MaxIterations: 1}, client, interp, nil)

	res := l.Run(context.Background(), "context", "q")

	assert.False(t, res.Completed)
	assert.Equal(t, 0, interp.execCount(), "nothing should execute without extracted code")
	assert.Equal(t, 1, interp.shutdowns)
}

func TestRunNoCodeThenCorrectedSecondIteration(t *testing.T) {
	client := scriptedClient(
		"Let me think about this first.",
		"```python\nFINAL(\"fixed\")\n```",
	)
	interp := &fakeInterp{
		execFn: func(ctx context.Context, code string) (*pyrepl.ExecResult, error) {
			return &pyrepl.ExecResult{HasFinal: true, FinalValue: "fixed"}, nil
		},
	}
	l := NewLoop(Config{MaxIterations: 3}, client, interp, nil)

	res := l.Run(context.Background(), "context", "q")

	require.True(t, res.Completed)
	assert.Equal(t, "fixed", res.Answer)
	assert.Equal(t, 2, res.Iterations)

	// The corrective instruction reached the model on the second call.
	last := client.calls[len(client.calls)-1]
	assert.Contains(t, last.Messages[len(last.Messages)-1].Content, "fenced code block")
}

func TestRunAuthErrorIsFatal(t *testing.T) {
	client := &fakeClient{fn: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return nil, &llm.AuthenticationError{APIError: llm.APIError{Message: "401 unauthorized"}}
	}}
	interp := &fakeInterp{}
	l := NewLoop(Config{MaxIterations: 5}, client, interp, nil)

	res := l.Run(context.Background(), "context", "q")

	assert.False(t, res.Completed)
	assert.Contains(t, res.Answer, "authentication failed")
	assert.Equal(t, 1, client.callCount(), "auth errors must not be retried")
	assert.Equal(t, 1, interp.shutdowns)
}

func TestRunSoftCompletionErrorContinues(t *testing.T) {
	var calls int
	var mu sync.Mutex
	client := &fakeClient{fn: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			return nil, &llm.ServerError{APIError: llm.APIError{Message: "503 overloaded"}}
		}
		return &llm.Response{Segments: []string{"```python\nFINAL(\"recovered\")\n```"}}, nil
	}}
	interp := &fakeInterp{
		execFn: func(ctx context.Context, code string) (*pyrepl.ExecResult, error) {
			return &pyrepl.ExecResult{HasFinal: true, FinalValue: "recovered"}, nil
		},
	}
	l := NewLoop(Config{MaxIterations: 3}, client, interp, nil)

	res := l.Run(context.Background(), "context", "q")

	require.True(t, res.Completed)
	assert.Equal(t, "recovered", res.Answer)
	assert.Equal(t, 2, res.Iterations)
}

func TestRunExecutionErrorContinues(t *testing.T) {
	var execs int
	var mu sync.Mutex
	interp := &fakeInterp{}
	interp.execFn = func(ctx context.Context, code string) (*pyrepl.ExecResult, error) {
		mu.Lock()
		execs++
		first := execs == 1
		mu.Unlock()
		if first {
			return nil, fmt.Errorf("interpreter process terminated")
		}
		return &pyrepl.ExecResult{HasFinal: true, FinalValue: "after retry"}, nil
	}
	client := scriptedClient("```python\nwork()\n```")
	l := NewLoop(Config{MaxIterations: 3}, client, interp, nil)

	res := l.Run(context.Background(), "context", "q")

	require.True(t, res.Completed)
	assert.Equal(t, "after retry", res.Answer)
}

func TestRunStartFailureProducesResult(t *testing.T) {
	interp := &fakeInterp{startErr: fmt.Errorf("python3 not found")}
	client := scriptedClient("unused")
	l := NewLoop(Config{}, client, interp, nil)

	res := l.Run(context.Background(), "context", "q")

	assert.False(t, res.Completed)
	assert.Contains(t, res.Answer, "failed to start interpreter")
	assert.Equal(t, 0, client.callCount())
	assert.Equal(t, 1, interp.shutdowns, "teardown runs even when start fails")
}

func TestRunCancellationDuringCompletion(t *testing.T) {
	client := &fakeClient{fn: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	interp := &fakeInterp{}
	l := NewLoop(Config{MaxIterations: 5}, client, interp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	done := make(chan *Result, 1)
	go func() { done <- l.Run(ctx, "context", "q") }()

	select {
	case res := <-done:
		assert.False(t, res.Completed)
		assert.Contains(t, res.Answer, "aborted")
		assert.Equal(t, 1, interp.shutdowns)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return promptly after cancellation")
	}
}

func TestRunSubQueryBudgetUnderConcurrentFanOut(t *testing.T) {
	client := scriptedClient("```python\nfan_out()\n```")
	interp := &fakeInterp{}
	interp.execFn = func(ctx context.Context, code string) (*pyrepl.ExecResult, error) {
		// Three concurrent sub-queries against a ceiling of two.
		results := make([]string, 3)
		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				interp.mu.Lock()
				h := interp.handler
				interp.mu.Unlock()
				s, err := h(ctx, "chunk", fmt.Sprintf("question-%d", i))
				if err != nil {
					s = "error: " + err.Error()
				}
				results[i] = s
			}(i)
		}
		wg.Wait()
		return &pyrepl.ExecResult{HasFinal: true, FinalValue: strings.Join(results, "|")}, nil
	}
	l := NewLoop(Config{MaxIterations: 3, MaxSubQueries: 2}, client, interp, nil)

	res := l.Run(context.Background(), "context", "q")

	require.True(t, res.Completed)
	assert.Equal(t, 2, res.TotalSubQueries)

	answered := strings.Count(res.Answer, "sub-answer")
	refused := strings.Count(res.Answer, "Sub-query budget exhausted")
	assert.Equal(t, 2, answered, "exactly two sub-queries get real answers")
	assert.Equal(t, 1, refused, "the third gets the budget string")

	records := l.Records()
	require.Len(t, records, 2)
	seen := map[int]bool{}
	for _, r := range records {
		seen[r.Index] = true
		assert.Equal(t, len("sub-answer"), r.ResultLength)
	}
	assert.True(t, seen[1] && seen[2], "display indices follow start order")
}

func TestRunEmitsProgressEvents(t *testing.T) {
	client := scriptedClient("```python\nFINAL(\"done\")\n```")
	interp := &fakeInterp{
		execFn: func(ctx context.Context, code string) (*pyrepl.ExecResult, error) {
			return &pyrepl.ExecResult{HasFinal: true, FinalValue: "done"}, nil
		},
	}
	l := NewLoop(Config{MaxIterations: 2}, client, interp, nil)
	collect := drainEvents(l)

	res := l.Run(context.Background(), "context", "q")
	require.True(t, res.Completed)

	var kinds []EventKind
	for _, ev := range collect() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{
		EventRunStart, EventGeneratingCode, EventExecuting, EventCheckingFinal, EventRunEnd,
	}, kinds)
}

func TestHandleSubQueryAbortedContext(t *testing.T) {
	client := scriptedClient("unused")
	l := NewLoop(Config{MaxSubQueries: 5}, client, &fakeInterp{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := l.handleSubQuery(ctx, "chunk", "q")
	require.NoError(t, err)
	assert.Contains(t, s, "cancelled")
	assert.Equal(t, 0, l.subQueryTotal(), "aborted calls must not consume budget")
}
