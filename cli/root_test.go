package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave.evalgo.org/sync"
	"weave.evalgo.org/version"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(&sync.ValidationError{Reason: "sync not found"}))
	assert.Equal(t, 1, ExitCode(fmt.Errorf("run failed: %w", &sync.ValidationError{Reason: "no destinations"})))
	assert.Equal(t, 3, ExitCode(sync.ErrJobCancelled))
	assert.Equal(t, 3, ExitCode(fmt.Errorf("wrapped: %w", sync.ErrJobCancelled)))
	assert.Equal(t, 4, ExitCode(sync.ErrJobTimedOut))
	assert.Equal(t, 2, ExitCode(errors.New("database unreachable")))
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	out := new(bytes.Buffer)
	RootCmd.SetOut(out)
	RootCmd.SetErr(out)
	RootCmd.SetArgs(args)
	t.Cleanup(func() { RootCmd.SetArgs(nil) })
	require.NoError(t, RootCmd.Execute())
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	out := execute(t, "version")
	assert.Contains(t, out, "weave ")
}

func TestVersionCommandJSON(t *testing.T) {
	t.Cleanup(func() { _ = versionCmd.Flags().Set("json", "false") })

	out := execute(t, "version", "--json")
	var info version.BuildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(t, info.GoVersion)
}
