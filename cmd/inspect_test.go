package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPrintTrieState_AfterCommit_ListsCommittedBlock verifies a committed
// page shows up in the inspect report after a full fetch/step cycle.
func TestPrintTrieState_AfterCommit_ListsCommittedBlock(t *testing.T) {
	scenario := testScenario()
	scenario.Events = []ScenarioEvent{
		{Claim: &ClaimEvent{SeqIDs: []int64{0}}},
		{Fetch: &FetchEvent{Seq: 0, Prompt: []int{1, 2, 3, 4}, NumSteps: 1}},
		{Step: &StepEvent{Seq: 0, Tokens: []int{9}}},
	}
	m, err := buildManager(scenario)
	require.NoError(t, err)
	require.NoError(t, replay(m, scenario.Events))

	var buf bytes.Buffer
	printTrieState(&buf, m)

	output := buf.String()
	assert.Contains(t, output, "=== Prefix Trie State ===")
	assert.Contains(t, output, "Committed Blocks: [0]")
}
