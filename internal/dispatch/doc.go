// Package dispatch schedules outbound chat messages.
//
// Producers hand tasks to a Messenger, which enqueues them on a single
// min-heap ordered by (ReadyAt, Seq). One worker goroutine pops due tasks,
// re-checks the global sliding-window throttle and the per-chat cooldown,
// sends through the transport, and either records the dispatch, requeues the
// task for later, retries it with backoff, or drops it.
//
// Delivery is fire-and-forget. Terminal failures surface in logs, metrics and
// dispatch.dropped events only.
package dispatch
