// Package dispatch pulls eligible work for one stage and runs it against
// supervised worker handles.
//
// A Dispatcher never exceeds its concurrency bound and never starts new units
// unless the stage is available for work. Completions refill freed slots while
// the stage is processing; once the last in-flight unit finishes the
// dispatcher re-counts eligible work and reports WorkCompleted so the stage
// settles on running, idle, or (when a pause was requested) paused.
//
// Units run under the dispatcher's own context rather than the caller's, so a
// control request that triggered a dispatch round can return immediately.
package dispatch
