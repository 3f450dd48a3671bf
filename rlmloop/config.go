package rlmloop

// Config holds the per-run ceilings and prompt-shaping limits.
type Config struct {
	MaxIterations int `json:"max_iterations"` // loop ceiling
	MaxSubQueries int `json:"max_sub_queries"`

	Model         string `json:"model,omitempty"`           // root loop model
	SubQueryModel string `json:"sub_query_model,omitempty"` // defaults to Model

	StdoutLimit int `json:"stdout_limit"` // last-N characters kept
	// Stderr keeps a smaller head-only cap; configurable, but the default
	// is deliberately fixed and small.
	StderrLimit      int `json:"stderr_limit"`
	ContextPeekLines int `json:"context_peek_lines"` // first/last lines shown in the preamble
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:    10,
		MaxSubQueries:    50,
		StdoutLimit:      8192,
		StderrLimit:      2048,
		ContextPeekLines: 10,
	}
}

// normalize fills zero values with defaults.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.MaxSubQueries <= 0 {
		c.MaxSubQueries = def.MaxSubQueries
	}
	if c.StdoutLimit <= 0 {
		c.StdoutLimit = def.StdoutLimit
	}
	if c.StderrLimit <= 0 {
		c.StderrLimit = def.StderrLimit
	}
	if c.ContextPeekLines <= 0 {
		c.ContextPeekLines = def.ContextPeekLines
	}
	if c.SubQueryModel == "" {
		c.SubQueryModel = c.Model
	}
	return c
}

// SubQueryRecord is one sub-question/answer pair, scoped to the iteration
// that issued it. Append-only; never mutated after creation.
type SubQueryRecord struct {
	Index         int    `json:"index"` // display order by start observation
	ContextLength int    `json:"context_length"`
	Instruction   string `json:"instruction"`
	ResultLength  int    `json:"result_length"`
	ResultPreview string `json:"result_preview"`
	ElapsedMs     int64  `json:"elapsed_ms"`
}
