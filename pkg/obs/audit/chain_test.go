package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTamperEvidentStore_ChainsEvents(t *testing.T) {
	var buf bytes.Buffer
	cm := NewChainManager([]byte("test-secret"))
	store := NewTamperEvidentStore(NewLogStore(&buf), cm)

	ctx := context.Background()
	events := []*Event{
		{Action: ActionQuarantine, Result: ResultSuccess, PluginID: "plug-a"},
		{Action: ActionTelemetry, Result: ResultSuccess, SessionID: "sess-1"},
		{Action: ActionTerminate, Result: ResultError, PluginID: "plug-a"},
	}
	for _, e := range events {
		require.NoError(t, store.Write(ctx, e))
	}

	// Re-parse what was written and verify the chain holds.
	var parsed []Event
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var e Event
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		parsed = append(parsed, e)
	}
	require.Len(t, parsed, 3)
	assert.Empty(t, parsed[0].PreviousHash)
	assert.Equal(t, parsed[0].Hash, parsed[1].PreviousHash)
	assert.NoError(t, cm.VerifyChain(parsed))
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	var buf bytes.Buffer
	cm := NewChainManager([]byte("test-secret"))
	store := NewTamperEvidentStore(NewLogStore(&buf), cm)

	ctx := context.Background()
	require.NoError(t, store.Write(ctx, &Event{Action: ActionExecute, Result: ResultSuccess, PluginID: "plug-a"}))
	require.NoError(t, store.Write(ctx, &Event{Action: ActionExecute, Result: ResultDenied, PluginID: "plug-b"}))

	var parsed []Event
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var e Event
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		parsed = append(parsed, e)
	}

	parsed[0].PluginID = "someone-else"
	assert.Error(t, cm.VerifyChain(parsed))
}
