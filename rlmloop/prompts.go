package rlmloop

import (
	"fmt"
	"strings"
)

const rootSystemPrompt = `You are answering a question about a large body of text by writing Python code.

The interpreter is persistent: variables survive between your code blocks.
Available in the interpreter:
- context: a str holding the full text under analysis. It is too large to print whole; inspect it in slices.
- llm_query(sub_context, instruction) -> str: ask a fresh language model the instruction over sub_context. The model sees only what you pass; include everything it needs.
- async_llm_query(sub_context, instruction): awaitable form of llm_query. Launch several and collect them with asyncio.gather to fan out over chunks. Top-level await is supported.
- FINAL(answer): declare the final answer and end the run.
- FINAL_VAR(variable): declare a variable's value as the final answer.

Each reply must contain exactly one fenced code block; everything printed to stdout comes back to you in the next turn. Work incrementally: peek at the context, decide a chunking strategy, delegate chunk questions via llm_query, aggregate, then call FINAL.`

const subQuerySystemPrompt = `You answer a single question using only the provided context. Be direct and complete; if the context does not contain the answer, say so.`

// contextPreamble is the first user message: the question plus enough
// metadata to gauge the context's size and shape. The context itself is
// never inlined into the prompt.
func contextPreamble(contextText, question string, peekLines int) string {
	lines := strings.Split(contextText, "\n")
	head := lines
	tail := []string(nil)
	if len(lines) > 2*peekLines {
		head = lines[:peekLines]
		tail = lines[len(lines)-peekLines:]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "The interpreter variable `context` holds %d characters across %d lines.\n\n", len(contextText), len(lines))
	fmt.Fprintf(&sb, "First lines:\n%s\n", strings.Join(head, "\n"))
	if tail != nil {
		fmt.Fprintf(&sb, "\nLast lines:\n%s\n", strings.Join(tail, "\n"))
	}
	fmt.Fprintf(&sb, "\nQuestion: %s\n\nWrite code to answer the question.", question)
	return sb.String()
}

// subQueryUserMessage embeds one context slice and its instruction for a
// single-shot completion.
func subQueryUserMessage(subContext, instruction string) string {
	return fmt.Sprintf("Context:\n%s\n\nQuestion: %s", subContext, instruction)
}

// executionFeedback is the user message synthesized after a non-terminal
// execution: bounded stdout and stderr, the remaining budget, and the
// continue-or-finalize instruction.
func executionFeedback(stdout, stderr string, iteration, maxIterations, subQueries, maxSubQueries int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Execution output:\n%s\n", stdout)
	if stderr != "" {
		fmt.Fprintf(&sb, "\nStderr:\n%s\n", stderr)
	}
	fmt.Fprintf(&sb, "\nBudget: %d of %d iterations used, %d of %d sub-queries used.\n",
		iteration, maxIterations, subQueries, maxSubQueries)
	sb.WriteString("Continue with the next code block, or call FINAL(answer) if you can answer now.")
	return sb.String()
}

const noCodeFeedback = "Your reply contained no runnable code. Respond with exactly one fenced code block, for example:\n```python\nprint(context[:500])\n```"

func executionErrorFeedback(err error) string {
	return fmt.Sprintf("Execution failed: %v\nFix the code and try again.", err)
}

func completionErrorFeedback(err error) string {
	return fmt.Sprintf("The previous model call failed (%v). Continue from the interpreter state you already have.", err)
}

// budgetExhaustedReply is returned to executing code in place of a
// sub-query answer once the ceiling is reached. A plain string, not an
// error: the code must keep running so it can aggregate and finalize.
func budgetExhaustedReply(max int) string {
	return fmt.Sprintf("Sub-query budget exhausted (%d of %d used). Do not issue further sub-queries; aggregate the answers you already have and call FINAL().", max, max)
}

const abortedReply = "error: the run was cancelled; stop issuing sub-queries"

// preview bounds a string for event payloads.
func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
