// Package rlmloop drives the recursive analysis loop: it asks the
// completion client for code, executes that code in the interpreter
// channel, services the sub-queries the code issues, and decides when the
// run is finished.
//
// One Loop owns one run. The loop is the only writer of the conversation
// history and the budget counters; the sub-query dispatcher shares the
// counters under the loop's mutex because the interpreter may fan out
// several sub-queries concurrently within a single execution step.
package rlmloop
