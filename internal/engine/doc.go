// Package engine runs the per-zone control cycle: aggregate telemetry
// into KPIs, evaluate the rule catalog alongside the advisory, fuse the
// proposals, validate them against hard safety limits, filter them for
// stability, dispatch what survives, and commit an audit record.
//
// All mutation for a zone happens on the engine's single run loop
// goroutine. Zones are evaluated strictly one at a time; the store, the
// dosing ledgers, and the stability states never see concurrent
// writers.
package engine
