package rlmloop

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/viplismism/rlm-cli/llm"
)

// handleSubQuery is the callback handler wired into the interpreter
// channel. Executing code may fan out several sub-queries before awaiting
// any of them, so invocations run concurrently; the budget check and
// increment happen as one step under the loop's mutex so the ceiling holds
// under concurrent entry.
func (l *Loop) handleSubQuery(ctx context.Context, subContext, instruction string) (string, error) {
	if ctx.Err() != nil {
		return abortedReply, nil
	}

	l.mu.Lock()
	if l.totalSubQueries >= l.cfg.MaxSubQueries {
		l.mu.Unlock()
		return budgetExhaustedReply(l.cfg.MaxSubQueries), nil
	}
	l.totalSubQueries++
	l.subQueryIndex++
	index := l.subQueryIndex
	l.mu.Unlock()

	l.emitter.Emit(EventSubQueryStart, map[string]interface{}{
		"index":          index,
		"context_length": len(subContext),
		"instruction":    instruction,
	})

	start := time.Now()
	resp, err := l.client.Complete(ctx, llm.Request{
		Model:        l.cfg.SubQueryModel,
		SystemPrompt: subQuerySystemPrompt,
		Messages:     []llm.Message{llm.UserMessage(subQueryUserMessage(subContext, instruction))},
	})
	if err != nil {
		if ctx.Err() != nil {
			return abortedReply, nil
		}
		l.logger.Warn("sub-query failed", zap.Int("index", index), zap.Error(err))
		return "", fmt.Errorf("sub-query failed: %w", err)
	}

	result := resp.Text()
	elapsed := time.Since(start).Milliseconds()

	l.mu.Lock()
	l.records = append(l.records, SubQueryRecord{
		Index:         index,
		ContextLength: len(subContext),
		Instruction:   instruction,
		ResultLength:  len(result),
		ResultPreview: preview(result, 200),
		ElapsedMs:     elapsed,
	})
	l.mu.Unlock()

	l.emitter.Emit(EventSubQueryDone, map[string]interface{}{
		"index":          index,
		"result_length":  len(result),
		"result_preview": preview(result, 200),
		"elapsed_ms":     elapsed,
	})
	return result, nil
}
