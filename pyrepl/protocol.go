package pyrepl

import "encoding/json"

// Envelope kinds sent to the subprocess.
const (
	msgSetContext     = "set_context"
	msgResetTerminal  = "reset_terminal"
	msgExec           = "exec"
	msgTerminalResult = "terminal_result"
	msgShutdown       = "shutdown"
)

// Envelope kinds received from the subprocess.
const (
	msgReady           = "ready"
	msgContextSet      = "context_set"
	msgTerminalReset   = "terminal_reset"
	msgExecDone        = "exec_done"
	msgCallbackRequest = "callback_request"
)

// envelope is the wire format for both directions: one JSON object per
// line, discriminated by Type, with only the fields for that kind set.
type envelope struct {
	Type string `json:"type"`

	// set_context
	Value string `json:"value,omitempty"`

	// exec
	Code string `json:"code,omitempty"`

	// terminal_result (outbound) and callback_request (inbound)
	ID     string `json:"id,omitempty"`
	Result string `json:"result,omitempty"`

	// callback_request
	SubContext  string `json:"sub_context,omitempty"`
	Instruction string `json:"instruction,omitempty"`

	// exec_done
	Stdout     string  `json:"stdout,omitempty"`
	Stderr     string  `json:"stderr,omitempty"`
	HasFinal   bool    `json:"has_final,omitempty"`
	FinalValue *string `json:"final_value,omitempty"`
}

// parseEnvelope decodes one inbound line. A line that is not a JSON object
// with a type tag is stray interpreter output, not a protocol error; the
// caller drops it.
func parseEnvelope(line []byte) (envelope, bool) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return envelope{}, false
	}
	if env.Type == "" {
		return envelope{}, false
	}
	return env, true
}

// encodeEnvelope renders an outbound envelope as a single newline-terminated
// JSON line.
func encodeEnvelope(env envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ExecResult is the outcome of one Execute call.
type ExecResult struct {
	Stdout     string
	Stderr     string
	HasFinal   bool
	FinalValue string
}

func execResultFromEnvelope(env envelope) *ExecResult {
	res := &ExecResult{
		Stdout:   env.Stdout,
		Stderr:   env.Stderr,
		HasFinal: env.HasFinal,
	}
	if env.FinalValue != nil {
		res.FinalValue = *env.FinalValue
	}
	return res
}
