package pyrepl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantOK   bool
		wantType string
	}{
		{"ready", `{"type":"ready"}`, true, msgReady},
		{"exec done", `{"type":"exec_done","stdout":"hi"}`, true, msgExecDone},
		{"callback", `{"type":"callback_request","id":"cb-1","sub_context":"c","instruction":"q"}`, true, msgCallbackRequest},
		{"not json", `Traceback (most recent call last):`, false, ""},
		{"json array", `[1,2,3]`, false, ""},
		{"missing type", `{"stdout":"orphan"}`, false, ""},
		{"empty object", `{}`, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, ok := parseEnvelope([]byte(tt.line))
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantType, env.Type)
			}
		})
	}
}

func TestEncodeEnvelopeNewlineTerminated(t *testing.T) {
	data, err := encodeEnvelope(envelope{Type: msgExec, Code: "x = 1\nprint(x)"})
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])
	// Embedded newlines in the payload must stay escaped inside the one line.
	assert.Equal(t, 1, countByte(data, '\n'))

	env, ok := parseEnvelope(data[:len(data)-1])
	require.True(t, ok)
	assert.Equal(t, "x = 1\nprint(x)", env.Code)
}

func TestExecResultFinalValueSentinel(t *testing.T) {
	// has_final set with an explicit empty final value is a legitimate
	// terminal answer, distinct from final_value being absent.
	empty := ""
	res := execResultFromEnvelope(envelope{Type: msgExecDone, HasFinal: true, FinalValue: &empty})
	assert.True(t, res.HasFinal)
	assert.Equal(t, "", res.FinalValue)

	res = execResultFromEnvelope(envelope{Type: msgExecDone, Stdout: "partial"})
	assert.False(t, res.HasFinal)
	assert.Equal(t, "partial", res.Stdout)
}

func countByte(data []byte, b byte) int {
	n := 0
	for _, c := range data {
		if c == b {
			n++
		}
	}
	return n
}
