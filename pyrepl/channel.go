package pyrepl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is the channel lifecycle state.
type State string

const (
	StateNotStarted   State = "not_started"
	StateStarting     State = "starting"
	StateReady        State = "ready"
	StateExecuting    State = "executing"
	StateShuttingDown State = "shutting_down"
	StateTerminated   State = "terminated"
)

// CallbackHandler answers one interpreter-issued sub-question. The returned
// string is relayed verbatim; a returned error (or a panic) is converted
// into an error-string reply, since the executing code consumes a string
// result either way.
type CallbackHandler func(ctx context.Context, subContext, instruction string) (string, error)

// Config holds channel settings.
type Config struct {
	Python       string        // interpreter binary; default "python3"
	Command      []string      // full argv override; when set, Python and the embedded runtime are not used
	Env          []string      // explicit subprocess environment; default MinimalEnv()
	StartTimeout time.Duration // readiness deadline
	AckTimeout   time.Duration // set_context / reset_terminal acknowledgment deadline
	ExecTimeout  time.Duration // per-Execute deadline
	GraceTimeout time.Duration // graceful shutdown window before SIGKILL
}

// DefaultConfig returns the default channel configuration.
func DefaultConfig() Config {
	return Config{
		Python:       "python3",
		StartTimeout: 30 * time.Second,
		AckTimeout:   30 * time.Second,
		ExecTimeout:  5 * time.Minute,
		GraceTimeout: 2 * time.Second,
	}
}

// MinimalEnv returns the explicit environment the subprocess is spawned
// with. Only benign variables are forwarded; ambient secrets (API keys,
// tokens) never reach the interpreter.
func MinimalEnv() []string {
	keep := []string{"PATH", "HOME", "LANG", "LC_ALL", "TERM", "TMPDIR"}
	var env []string
	for _, k := range keep {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return append(env, "PYTHONUNBUFFERED=1")
}

// Channel owns one long-lived interpreter subprocess and the request/reply
// protocol spoken with it.
type Channel struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	handler    CallbackHandler
	runCtx     context.Context // threads the run's cancellation into callbacks
	proc       *exec.Cmd
	stdin      io.WriteCloser
	scriptPath string
	waiters    map[string]chan envelope
	// Execs abandoned by timeout or cancellation whose reply is still owed.
	// The subprocess runs execs strictly in order, so each owed reply is
	// the next exec_done on the wire; without this the stale reply would
	// resolve the following Execute with the previous code's output.
	staleExecs int

	writeMu sync.Mutex

	done     chan struct{} // closed when the reply stream ends
	procDone chan struct{} // closed when the subprocess has been reaped
}

// NewChannel creates a channel in the NotStarted state. A nil logger
// disables logging.
func NewChannel(cfg Config, logger *zap.Logger) *Channel {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Env == nil {
		cfg.Env = MinimalEnv()
	}
	def := DefaultConfig()
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = def.ExecTimeout
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = def.GraceTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		cfg:      cfg,
		logger:   logger,
		state:    StateNotStarted,
		waiters:  make(map[string]chan envelope),
		done:     make(chan struct{}),
		procDone: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done returns a channel closed once the subprocess has fully exited and
// been reaped.
func (c *Channel) Done() <-chan struct{} {
	return c.procDone
}

// SetCallbackHandler registers the handler for inbound callback requests.
// Without a handler, callbacks are answered with a synthetic error string
// so the subprocess never hangs.
func (c *Channel) SetCallbackHandler(h CallbackHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Start spawns the interpreter subprocess and blocks until it signals
// readiness, the start timeout elapses, or ctx fires. On any failure the
// spawned process is torn down; Start never leaves an orphan.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateNotStarted {
		st := c.state
		c.mu.Unlock()
		return newStartError(fmt.Sprintf("cannot start channel in state %q", st), nil)
	}
	c.state = StateStarting
	c.runCtx = ctx
	c.mu.Unlock()

	argv := c.cfg.Command
	if len(argv) == 0 {
		script, err := writeRuntimeScript()
		if err != nil {
			c.setState(StateTerminated)
			return newStartError("write runtime script", err)
		}
		c.scriptPath = script
		argv = []string{c.cfg.Python, "-u", script}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = c.cfg.Env
	// Own process group so shutdown can kill the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.failStart()
		return newStartError("stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.failStart()
		return newStartError("stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.failStart()
		return newStartError("stderr pipe", err)
	}

	// The readiness waiter must be registered before the reader can route
	// the subprocess's first line.
	readyCh, err := c.registerWaiter(msgReady)
	if err != nil {
		c.failStart()
		return newStartError("register readiness waiter", err)
	}

	if err := cmd.Start(); err != nil {
		c.failStart()
		return newStartError("spawn interpreter", err)
	}

	c.mu.Lock()
	c.proc = cmd
	c.stdin = stdin
	shuttingDown := c.state != StateStarting
	c.mu.Unlock()
	if shuttingDown {
		// Shutdown raced with Start; don't leave the fresh process behind.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		_ = cmd.Wait()
		close(c.procDone)
		if c.scriptPath != "" {
			_ = os.Remove(c.scriptPath)
		}
		return newStartError("channel shut down during start", nil)
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		c.readLoop(stdout)
		return nil
	})
	g.Go(func() error {
		c.stderrLoop(stderr)
		return nil
	})
	go func() {
		_ = g.Wait()
		_ = cmd.Wait()
		close(c.procDone)
	}()

	if _, err := c.await(ctx, msgReady, readyCh, c.cfg.StartTimeout); err != nil {
		c.Shutdown()
		return newStartError("interpreter did not signal readiness", err)
	}

	c.mu.Lock()
	if c.state != StateStarting {
		// Shutdown won the race; the process is already being torn down.
		st := c.state
		c.mu.Unlock()
		return newStartError(fmt.Sprintf("channel shut down during start (state %q)", st), nil)
	}
	c.state = StateReady
	c.mu.Unlock()
	c.logger.Debug("interpreter ready")
	return nil
}

// SetContext binds the analysis context into the interpreter's state and
// waits for acknowledgment.
func (c *Channel) SetContext(text string) error {
	if err := c.requireReady("set context"); err != nil {
		return err
	}
	_, err := c.request(context.Background(),
		envelope{Type: msgSetContext, Value: text}, msgContextSet, c.cfg.AckTimeout)
	return err
}

// ResetTerminal clears the interpreter's terminal-answer sentinel so the
// channel can serve another run.
func (c *Channel) ResetTerminal() error {
	if err := c.requireReady("reset terminal"); err != nil {
		return err
	}
	_, err := c.request(context.Background(),
		envelope{Type: msgResetTerminal}, msgTerminalReset, c.cfg.AckTimeout)
	return err
}

// Execute runs one code snippet and blocks until the completion reply,
// servicing any interleaved callback requests in the meantime. A timeout
// marks the subprocess as suspect but does not restart it.
func (c *Channel) Execute(ctx context.Context, code string) (*ExecResult, error) {
	c.mu.Lock()
	if c.state != StateReady {
		st := c.state
		c.mu.Unlock()
		return nil, newClosedError(fmt.Sprintf("cannot execute in state %q", st))
	}
	c.state = StateExecuting
	c.runCtx = ctx
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.state == StateExecuting {
			c.state = StateReady
		}
		c.mu.Unlock()
	}()

	env, err := c.request(ctx, envelope{Type: msgExec, Code: code}, msgExecDone, c.cfg.ExecTimeout)
	if err != nil {
		var timeoutErr *TimeoutError
		if errors.As(err, &timeoutErr) || ctx.Err() != nil {
			c.mu.Lock()
			c.staleExecs++
			c.mu.Unlock()
		}
		return nil, err
	}
	return execResultFromEnvelope(env), nil
}

// Shutdown stops the subprocess: a best-effort shutdown message and stdin
// close, then a forced kill of the process group if it does not exit
// within the grace window. Safe to call multiple times, in any state, and
// concurrently; every pending request is unblocked.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	if c.state == StateNotStarted {
		c.state = StateTerminated
		c.mu.Unlock()
		return
	}
	c.state = StateShuttingDown
	proc := c.proc
	stdin := c.stdin
	c.mu.Unlock()

	if proc != nil {
		if data, err := encodeEnvelope(envelope{Type: msgShutdown}); err == nil {
			c.writeMu.Lock()
			_, _ = stdin.Write(data)
			c.writeMu.Unlock()
		}
		_ = stdin.Close()

		select {
		case <-c.procDone:
		case <-time.After(c.cfg.GraceTimeout):
			if proc.Process != nil {
				_ = syscall.Kill(-proc.Process.Pid, syscall.SIGKILL)
			}
			select {
			case <-c.procDone:
			case <-time.After(c.cfg.GraceTimeout):
				c.logger.Warn("interpreter did not exit after SIGKILL")
			}
		}
	}

	c.setState(StateTerminated)
	if c.scriptPath != "" {
		_ = os.Remove(c.scriptPath)
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// failStart is the cleanup path for errors before the subprocess exists.
func (c *Channel) failStart() {
	c.setState(StateTerminated)
	if c.scriptPath != "" {
		_ = os.Remove(c.scriptPath)
	}
}

func (c *Channel) requireReady(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return newClosedError(fmt.Sprintf("cannot %s in state %q", op, c.state))
	}
	return nil
}

// registerWaiter claims the single pending slot for a reply type. The
// protocol is strictly request-then-reply per type, so a second claim is a
// caller bug surfaced as an error rather than a silent overwrite.
func (c *Channel) registerWaiter(replyType string) (chan envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.waiters[replyType]; exists {
		return nil, newClosedError(fmt.Sprintf("request already pending for %q", replyType))
	}
	ch := make(chan envelope, 1)
	c.waiters[replyType] = ch
	return ch, nil
}

func (c *Channel) cancelWaiter(replyType string, ch chan envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.waiters[replyType]; ok && existing == ch {
		delete(c.waiters, replyType)
	}
}

// request sends one envelope and waits for its reply class.
func (c *Channel) request(ctx context.Context, out envelope, replyType string, timeout time.Duration) (envelope, error) {
	ch, err := c.registerWaiter(replyType)
	if err != nil {
		return envelope{}, err
	}
	if err := c.send(out); err != nil {
		c.cancelWaiter(replyType, ch)
		return envelope{}, err
	}
	return c.await(ctx, replyType, ch, timeout)
}

// await blocks until the reply arrives, the deadline elapses, the process
// dies, or ctx fires, whichever first. A reply arriving after the waiter
// is abandoned is dropped by routeLine, never delivered twice.
func (c *Channel) await(ctx context.Context, replyType string, ch chan envelope, timeout time.Duration) (envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-ch:
		return env, nil
	case <-c.done:
		// The reply may have been delivered just before the stream ended.
		select {
		case env := <-ch:
			return env, nil
		default:
		}
		c.cancelWaiter(replyType, ch)
		return envelope{}, newClosedError("interpreter process terminated while awaiting " + replyType)
	case <-timer.C:
		c.cancelWaiter(replyType, ch)
		return envelope{}, newTimeoutError(fmt.Sprintf("no %s reply within %s", replyType, timeout))
	case <-ctx.Done():
		c.cancelWaiter(replyType, ch)
		return envelope{}, ctx.Err()
	}
}

// send writes one envelope line to the subprocess. Writes after the
// process is gone fail fast with a ClosedError.
func (c *Channel) send(env envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return &ChannelError{Message: "encode envelope", Cause: err}
	}

	c.mu.Lock()
	st := c.state
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil || st == StateShuttingDown || st == StateTerminated {
		return newClosedError("channel is closed")
	}
	select {
	case <-c.done:
		return newClosedError("interpreter process terminated")
	default:
	}

	c.writeMu.Lock()
	_, werr := stdin.Write(data)
	c.writeMu.Unlock()
	if werr != nil {
		return &ClosedError{ChannelError{Message: "write to interpreter", Cause: werr}}
	}
	return nil
}

// readLoop consumes the subprocess's reply stream line by line. Lines are
// length-unbounded; malformed lines are dropped.
func (c *Channel) readLoop(r io.Reader) {
	defer close(c.done)
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			c.routeLine(trimmed)
		}
		if err != nil {
			return
		}
	}
}

func (c *Channel) routeLine(line []byte) {
	env, ok := parseEnvelope(line)
	if !ok {
		c.logger.Debug("dropping unparseable interpreter line", zap.Int("len", len(line)))
		return
	}

	if env.Type == msgCallbackRequest {
		go c.dispatchCallback(env)
		return
	}

	c.mu.Lock()
	if env.Type == msgExecDone && c.staleExecs > 0 {
		c.staleExecs--
		c.mu.Unlock()
		c.logger.Debug("dropping stale exec reply")
		return
	}
	ch, ok := c.waiters[env.Type]
	if ok {
		delete(c.waiters, env.Type)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping unexpected reply", zap.String("type", env.Type))
		return
	}
	ch <- env
}

// dispatchCallback answers one inbound sub-question. Many may run
// concurrently; each writes its own terminal_result when done.
func (c *Channel) dispatchCallback(env envelope) {
	c.mu.Lock()
	handler := c.handler
	ctx := c.runCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	result := c.invokeHandler(ctx, handler, env.SubContext, env.Instruction)
	if err := c.send(envelope{Type: msgTerminalResult, ID: env.ID, Result: result}); err != nil {
		c.logger.Debug("callback reply dropped", zap.String("id", env.ID), zap.Error(err))
	}
}

// invokeHandler shields the protocol from handler errors and panics; the
// subprocess always receives a string.
func (c *Channel) invokeHandler(ctx context.Context, handler CallbackHandler, subContext, instruction string) (result string) {
	if handler == nil {
		return "error: no sub-query handler is registered"
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("callback handler panicked", zap.Any("panic", r))
			result = fmt.Sprintf("error: sub-query handler panicked: %v", r)
		}
	}()
	answer, err := handler(ctx, subContext, instruction)
	if err != nil {
		return "error: " + err.Error()
	}
	return answer
}

// stderrLoop forwards subprocess diagnostics to the logger.
func (c *Channel) stderrLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.logger.Warn("interpreter stderr", zap.String("line", scanner.Text()))
	}
}
