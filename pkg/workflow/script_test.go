package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "action.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestParseTedgeBlocks(t *testing.T) {
	stdout := []byte(`preparing
:::begin-tedge:::
{"downloaded":"/tmp/pkg.deb","progress":50}
:::end-tedge:::
installing
:::begin-tedge:::
{"progress":100}
:::end-tedge:::
done`)
	output, plain, err := parseTedgeBlocks(stdout)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pkg.deb", output["downloaded"])
	// Later blocks win
	assert.Equal(t, 100.0, output["progress"])
	assert.Contains(t, plain, "preparing")
	assert.Contains(t, plain, "done")
}

func TestParseTedgeBlocksUnterminated(t *testing.T) {
	_, _, err := parseTedgeBlocks([]byte(":::begin-tedge:::\n{}"))
	assert.Error(t, err)
}

func TestTruncateResult(t *testing.T) {
	short := "all good"
	assert.Equal(t, short, truncateResult(short))

	long := strings.Repeat("x", resultLimit) + "tail"
	truncated := truncateResult(long)
	assert.True(t, strings.HasPrefix(truncated, trimmedSentinel))
	assert.True(t, strings.HasSuffix(truncated, "tail"))
	assert.Len(t, truncated, len(trimmedSentinel)+resultLimit)
}

func TestClassifyExit(t *testing.T) {
	codes := map[string]string{"2": "partial"}
	assert.Equal(t, ConditionSuccess, classifyExit(0, codes))
	assert.Equal(t, "partial", classifyExit(2, codes))
	assert.Equal(t, ConditionError, classifyExit(1, codes))
	assert.Equal(t, ConditionError, classifyExit(3, nil))
}

func TestRunScriptSuccess(t *testing.T) {
	script := writeScript(t, `
echo "working"
echo ":::begin-tedge:::"
echo '{"installed":true}'
echo ":::end-tedge:::"
`)
	result, err := RunScript(context.Background(), script, []byte(`{"status":"executing"}`), nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ConditionSuccess, result.Condition)
	assert.Equal(t, true, result.Output["installed"])
	assert.Equal(t, "working", result.Output["result"])
}

func TestRunScriptReceivesContext(t *testing.T) {
	script := writeScript(t, `
echo ":::begin-tedge:::"
printf '{"received":%s}' "$(echo "$1" | wc -c)"
echo ""
echo ":::end-tedge:::"
`)
	result, err := RunScript(context.Background(), script, []byte(`{"status":"executing"}`), nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ConditionSuccess, result.Condition)
	assert.Greater(t, result.Output["received"], 1.0)
}

func TestRunScriptExitCodeMapping(t *testing.T) {
	script := writeScript(t, `exit 2`)
	result, err := RunScript(context.Background(), script, nil, map[string]string{"2": "partial"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "partial", result.Condition)

	result, err = RunScript(context.Background(), script, nil, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ConditionError, result.Condition)
}

func TestRunScriptFailureCapturesStderr(t *testing.T) {
	script := writeScript(t, `
echo "could not reach repository" >&2
exit 1
`)
	result, err := RunScript(context.Background(), script, nil, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ConditionError, result.Condition)
	assert.Equal(t, "could not reach repository", result.Output["reason"])
}

func TestRunScriptCancellation(t *testing.T) {
	script := writeScript(t, `
trap 'exit 0' TERM
sleep 30
`)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := RunScript(ctx, script, nil, nil, 2*time.Second)
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 10*time.Second)
	case <-time.After(15 * time.Second):
		t.Fatal("script was not terminated")
	}
}

func TestRunScriptMissingBinary(t *testing.T) {
	_, err := RunScript(context.Background(), "/no/such/binary", nil, nil, time.Second)
	assert.Error(t, err)
}
