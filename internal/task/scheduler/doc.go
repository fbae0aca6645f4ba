// Package scheduler triggers periodic maintenance (queue pruning, kv sweeps)
// on cron or interval schedules. It only fires triggers; execution happens in
// the task engine. One-off scrim actions go through the durable queue instead.
package scheduler
