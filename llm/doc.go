// Package llm provides the completion client used by the RLM loop.
//
// It presents a single blocking operation, Complete, over a role-tagged
// message history, backed by gollm so any provider gollm supports can serve
// as the root or sub-query model. Errors are classified into a small
// taxonomy; authentication failures are the one class the loop treats as
// fatal, everything else is either retried here (see Retry) or converted
// into a corrective conversational turn by the caller.
package llm
