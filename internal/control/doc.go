// Package control defines the shared artifact types that flow through the
// control decision pipeline: proposed actions, safety verdicts, actuator
// commands, and the per-zone system state.
//
// Every artifact except the dosing ledger and the system state is created
// fresh each control cycle and is transient beyond its audit record. The
// ledger and state persist across cycles and are owned exclusively by the
// zone's control loop.
package control
