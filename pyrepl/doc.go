// Package pyrepl manages a persistent Python interpreter subprocess and the
// line-delimited JSON protocol spoken with it.
//
// The channel is strictly request-then-reply for its own calls (SetContext,
// ResetTerminal, Execute), but while an Execute is in flight the subprocess
// may issue any number of concurrent callback requests: sub-questions the
// executing code wants answered by the host. Each callback is routed to a
// registered handler and answered by id, so several may be outstanding at
// once while the exec reply is pending.
//
// The subprocess is spawned with a minimal explicit environment and is
// guaranteed to be torn down by Shutdown on every exit path; no orphan
// processes survive a cancelled or failed run.
package pyrepl
