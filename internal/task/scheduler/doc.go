// Package scheduler triggers named jobs from cron expressions or fixed
// intervals and runs them with a per-schedule overlap guard: a trigger that
// fires while the previous run of the same schedule is still in flight is
// skipped. Different schedules never block each other.
package scheduler
