// Package scheduler runs one-shot, delayed, detached and periodic tasks.
//
// Execution is split across two pools:
//   - one-shot and delayed tasks run on the engine's direct-handoff worker
//     pool, which rejects work instead of queueing it
//   - periodic ticks run on a separate timer pool (robfig/cron) so a burst of
//     one-shot submissions can never starve them
//
// Failures that happen after the submitting call returned (timeouts, failed
// ticks, failed tasks) are routed to the ErrorHandler given to New. Only
// misuse, such as an invalid period or priority, is returned synchronously.
package scheduler
