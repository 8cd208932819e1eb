package coordination_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ajjucoder/codex-team-orchestrator-sub001/coordination"
)

func logUsage(t *testing.T, store *coordination.Store, teamID, payload string) {
	t.Helper()
	_, err := store.LogEvent(context.Background(), coordination.RunEvent{
		TeamID:    teamID,
		EventType: coordination.EventTypeUsageSample,
		Payload:   payload,
	})
	require.NoError(t, err)
}

func TestSummary_UsageFoldsPerRoleAndTool(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team := createTestTeam(t, store)

	logUsage(t, store, team.TeamID, `{"role":"coder","tool":"search","estimated_tokens":10,"latency_ms":100,"input_tokens":6,"output_tokens":4}`)
	logUsage(t, store, team.TeamID, `{"role":"coder","tool":"editor","estimated_tokens":15,"latency_ms":200,"input_tokens":9,"output_tokens":6}`)
	logUsage(t, store, team.TeamID, `{"role":"reviewer","tool":"search","estimated_tokens":30,"latency_ms":50,"input_tokens":20,"output_tokens":10}`)
	// Malformed payloads are skipped, not fatal.
	logUsage(t, store, team.TeamID, `not json`)

	usage, err := store.SummarizeUsage(ctx, team.TeamID)
	require.NoError(t, err)
	require.Equal(t, int64(3), usage.Samples)

	roles := map[string]coordination.UsageBucket{}
	for _, b := range usage.ByRole {
		roles[b.Key] = b
	}
	coder := roles["coder"]
	require.Equal(t, int64(2), coder.Samples)
	require.Equal(t, int64(25), coder.TotalTokens)
	require.Equal(t, int64(15), coder.InputTokens)
	require.Equal(t, int64(10), coder.OutputTokens)
	require.Equal(t, int64(300), coder.TotalLatency)
	// 25/2 = 12.5 rounds to 13; 300/2 = 150.
	require.Equal(t, int64(13), coder.AvgTokens)
	require.Equal(t, int64(150), coder.AvgLatency)

	reviewer := roles["reviewer"]
	require.Equal(t, int64(1), reviewer.Samples)
	require.Equal(t, int64(30), reviewer.AvgTokens)

	tools := map[string]coordination.UsageBucket{}
	for _, b := range usage.ByTool {
		tools[b.Key] = b
	}
	require.Equal(t, int64(2), tools["search"].Samples)
	require.Equal(t, int64(40), tools["search"].TotalTokens)
	require.Equal(t, int64(1), tools["editor"].Samples)
}

func TestSummary_MissingKeysBucketAsUnknown(t *testing.T) {
	store, _ := openTestStore(t)
	team := createTestTeam(t, store)

	logUsage(t, store, team.TeamID, `{"estimated_tokens":5,"latency_ms":10}`)

	usage, err := store.SummarizeUsage(context.Background(), team.TeamID)
	require.NoError(t, err)
	require.Equal(t, int64(1), usage.Samples)
	require.Len(t, usage.ByRole, 1)
	require.Equal(t, "unknown", usage.ByRole[0].Key)
	require.Len(t, usage.ByTool, 1)
	require.Equal(t, "unknown", usage.ByTool[0].Key)
}

func TestSummary_TeamReportCountsEntities(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team := createTestTeam(t, store)

	_, err := store.CreateAgent(ctx, coordination.Agent{TeamID: team.TeamID, Role: "coder"})
	require.NoError(t, err)

	createTestTask(t, store, team.TeamID, "open")
	running := createTestTask(t, store, team.TeamID, "running")
	_, err = store.ClaimTask(ctx, team.TeamID, running.TaskID, "agent-1", 0)
	require.NoError(t, err)

	_, err = store.PublishArtifact(ctx, coordination.Artifact{
		TeamID: team.TeamID, ArtifactID: "doc", Content: []byte("x"), PublishedBy: "agent-1",
	})
	require.NoError(t, err)
	_, _, err = store.AppendMessage(ctx, coordination.Message{
		TeamID: team.TeamID, FromAgent: "agent-1", ToAgent: "agent-2",
		Summary: "hello", IdempotencyKey: "sum-0001",
	}, nil)
	require.NoError(t, err)

	report, err := store.SummarizeTeam(ctx, team.TeamID)
	require.NoError(t, err)
	require.Equal(t, team.TeamID, report.Team.TeamID)
	require.Equal(t, int64(1), report.AgentCount)
	require.Equal(t, int64(1), report.ArtifactCount)
	require.Equal(t, int64(1), report.MessageCount)
	require.Greater(t, report.EventCount, int64(0))
	require.Equal(t, int64(1), report.TasksByStatus[coordination.TaskStatusTodo])
	require.Equal(t, int64(1), report.TasksByStatus[coordination.TaskStatusInProgress])
}

func TestSummary_UnknownTeam(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.SummarizeTeam(context.Background(), "no-such-team")
	require.ErrorIs(t, err, coordination.ErrNotFound)
}
