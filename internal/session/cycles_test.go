package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/internal/provider"
)

func TestRunCycleUnknownName(t *testing.T) {
	f := newOrchestrator(t, &mockBackend{})

	_, err := f.orch.RunCycle(context.Background(), "Daydream")
	assert.Error(t, err)
	assert.Equal(t, 0, f.backend.completeCalls())
}

func TestRunCycleGoesThroughNormalLoop(t *testing.T) {
	backend := &mockBackend{responses: []*provider.Response{{Text: "all quiet"}}}
	f := newOrchestrator(t, backend)

	reply, err := f.orch.RunCycle(context.Background(), CycleReverie)
	require.NoError(t, err)
	assert.Equal(t, "all quiet", reply)

	sess, ok := f.manager.Peek(CycleRoomID)
	require.True(t, ok)
	require.GreaterOrEqual(t, sess.Len(), 2)
	assert.Contains(t, sess.Turns()[0].Text, "reverie")
}

func TestRunCycleIncludesPracticeGuidance(t *testing.T) {
	backend := &mockBackend{responses: []*provider.Response{{Text: "done"}}}
	f := newOrchestrator(t, backend)
	practice := "# Reverie\nCheck the greenhouse sensors first.\n\n# Consolidation\nSummarize by theme.\n"
	require.NoError(t, f.store.Write("PRACTICE.md", practice))

	_, err := f.orch.RunCycle(context.Background(), CycleReverie)
	require.NoError(t, err)

	sess, _ := f.manager.Peek(CycleRoomID)
	prompt := sess.Turns()[0].Text
	assert.Contains(t, prompt, "Check the greenhouse sensors first.")
	assert.NotContains(t, prompt, "Summarize by theme.")
}

func TestRunCycleMissingPracticeStillRuns(t *testing.T) {
	backend := &mockBackend{responses: []*provider.Response{{Text: "ok"}}}
	f := newOrchestrator(t, backend)

	_, err := f.orch.RunCycle(context.Background(), CycleConsolidation)
	require.NoError(t, err)

	sess, _ := f.manager.Peek(CycleRoomID)
	assert.NotContains(t, sess.Turns()[0].Text, "Your own notes")
}

func TestCycleGuidanceSectionExtraction(t *testing.T) {
	f := newOrchestrator(t, &mockBackend{})
	require.NoError(t, f.store.Write("PRACTICE.md",
		"# Consolidation\nline one\nline two\n\n# Reverie\ntail section\n"))

	assert.Equal(t, "line one\nline two", f.orch.cycleGuidance(CycleConsolidation))
	assert.Equal(t, "tail section", f.orch.cycleGuidance(CycleReverie))
	assert.Equal(t, "", f.orch.cycleGuidance("Other"))
}
