// Package schedule provides the timing primitives the reactive layer runs on:
// a single-writer executor with task and microtask queues, and a debouncer
// whose callbacks are posted back to that executor.
//
// EXECUTION MODEL:
//
// Everything that touches container or derived state runs on one executor.
// Code on the executor may queue microtasks; the executor drains them after
// the current task and before the next one. Work arriving from other
// goroutines (transport deliveries, timers, async storage) is posted as a
// task.
//
// Two ways to drive a Loop:
//   - Run(ctx) on a dedicated goroutine (services)
//   - Drain() from the goroutine that performs the mutations (tests, CLI)
package schedule
