// Package durex implements durable, replay-based workflow execution on
// top of Postgres.
//
// A workflow is an ordinary Go function (a Body) invoked once per
// executor entry. Every entry re-runs the body from the top; step
// primitives called on the Run handle (DurablyExecute, Wait, WaitUntil,
// ContinueIf, DurablyRepeat) are memoized in an execution log keyed by a
// caller-chosen step name, so a step that already completed on a prior
// entry short-circuits instead of re-executing, and a step that needs
// more time halts the current entry and reschedules the workflow rather
// than blocking a goroutine.
//
// A caller builds an Engine around a connection pool, registers one Body
// per job class, and either runs the bundled Worker against the default
// PostgresJobSystem or wires the Driver into their own background-job
// system by calling Engine.Perform on delivery.
package durex
