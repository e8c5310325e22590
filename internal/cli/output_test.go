package cli

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExitError verifies the wrapping and code extraction chain.
func TestExitError(t *testing.T) {
	base := errors.New("database is locked")
	wrapped := WrapExitError(ExitCommandError, "open store", base)

	assert.Equal(t, "open store: database is locked", wrapped.Error())
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("outer: %w", wrapped)))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

// TestOutputFormatter_Text verifies text mode prints the fallback line
// and the error prefix.
func TestOutputFormatter_Text(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "text", Writer: &buf}

	require.NoError(t, f.Success(map[string]int{"cycles": 3}, "3 cycles complete"))
	assert.Equal(t, "3 cycles complete\n", buf.String())

	buf.Reset()
	require.NoError(t, f.Error("zone not found"))
	assert.Equal(t, "Error: zone not found\n", buf.String())
}

// TestOutputFormatter_JSON verifies the JSON envelope against golden
// files.
func TestOutputFormatter_JSON(t *testing.T) {
	g := goldie.New(t)

	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}

	require.NoError(t, f.Success(map[string]any{
		"zone_id":   "zone-a",
		"cycle_seq": 42,
		"mode":      "NORMAL",
		"health":    0.97,
	}, "unused in json mode"))
	g.Assert(t, "success_envelope", buf.Bytes())

	buf.Reset()
	require.NoError(t, f.Error("acknowledge in mode NORMAL, expected SAFETY_LOCKOUT"))
	g.Assert(t, "error_envelope", buf.Bytes())
}

// TestRunCommand_NamesSimulatedActuator verifies the long-running
// commands disclose that the actuator backend is simulated.
func TestRunCommand_NamesSimulatedActuator(t *testing.T) {
	opts := &RootOptions{}
	assert.Contains(t, NewRunCommand(opts).Long, "simulated actuator")
	assert.Contains(t, NewCycleCommand(opts).Long, "simulated actuator")
}

// TestRootCommand_FormatValidation verifies unknown formats are refused
// before any subcommand runs.
func TestRootCommand_FormatValidation(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"validate", "--format", "yaml"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
