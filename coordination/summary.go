package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// EventTypeUsageSample is the event_type under which callers record model and
// tool usage in the run log. The payload carries the fields of usageSample.
const EventTypeUsageSample = "usage_sample"

type usageSample struct {
	Tool            string  `json:"tool,omitempty"`
	Role            string  `json:"role,omitempty"`
	EstimatedTokens float64 `json:"estimated_tokens"`
	LatencyMS       float64 `json:"latency_ms"`
	InputTokens     float64 `json:"input_tokens"`
	OutputTokens    float64 `json:"output_tokens"`
}

// UsageBucket aggregates usage samples that share a role or tool key.
type UsageBucket struct {
	Key          string `json:"key"`
	Samples      int64  `json:"samples"`
	TotalTokens  int64  `json:"total_tokens"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TotalLatency int64  `json:"total_latency_ms"`
	AvgTokens    int64  `json:"avg_tokens"`
	AvgLatency   int64  `json:"avg_latency_ms"`
}

// UsageSummary is the per-role and per-tool breakdown of every usage sample
// in the team's run log, buckets sorted by key.
type UsageSummary struct {
	Samples int64         `json:"samples"`
	ByRole  []UsageBucket `json:"by_role"`
	ByTool  []UsageBucket `json:"by_tool"`
}

// TeamSummary is a point-in-time report over one team's state.
type TeamSummary struct {
	Team          Team                 `json:"team"`
	AgentCount    int64                `json:"agent_count"`
	ArtifactCount int64                `json:"artifact_count"`
	MessageCount  int64                `json:"message_count"`
	EventCount    int64                `json:"event_count"`
	TasksByStatus map[TaskStatus]int64 `json:"tasks_by_status"`
	Usage         UsageSummary         `json:"usage"`
}

func foldBuckets(acc map[string]*UsageBucket, key string, s usageSample) {
	b, ok := acc[key]
	if !ok {
		b = &UsageBucket{Key: key}
		acc[key] = b
	}
	b.Samples++
	b.TotalTokens += int64(math.Round(s.EstimatedTokens))
	b.InputTokens += int64(math.Round(s.InputTokens))
	b.OutputTokens += int64(math.Round(s.OutputTokens))
	b.TotalLatency += int64(math.Round(s.LatencyMS))
}

func sortedBuckets(acc map[string]*UsageBucket) []UsageBucket {
	out := make([]UsageBucket, 0, len(acc))
	for _, b := range acc {
		if b.Samples > 0 {
			b.AvgTokens = int64(math.Round(float64(b.TotalTokens) / float64(b.Samples)))
			b.AvgLatency = int64(math.Round(float64(b.TotalLatency) / float64(b.Samples)))
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SummarizeUsage folds every usage_sample event in the team's log into
// per-role and per-tool buckets. Samples with no role or tool land in the
// "unknown" bucket; malformed payloads are skipped rather than failing the
// whole summary.
func (s *Store) SummarizeUsage(ctx context.Context, teamID string) (UsageSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(payload_json, '')
		FROM run_events
		WHERE team_id = ? AND event_type = ?
		ORDER BY event_id ASC;
	`, teamID, EventTypeUsageSample)
	if err != nil {
		return UsageSummary{}, fmt.Errorf("query usage samples: %w", err)
	}
	defer rows.Close()

	byRole := make(map[string]*UsageBucket)
	byTool := make(map[string]*UsageBucket)
	var total int64
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return UsageSummary{}, fmt.Errorf("scan usage sample: %w", err)
		}
		var sample usageSample
		if err := json.Unmarshal([]byte(payload), &sample); err != nil {
			continue
		}
		total++
		role := sample.Role
		if role == "" {
			role = "unknown"
		}
		tool := sample.Tool
		if tool == "" {
			tool = "unknown"
		}
		foldBuckets(byRole, role, sample)
		foldBuckets(byTool, tool, sample)
	}
	if err := rows.Err(); err != nil {
		return UsageSummary{}, fmt.Errorf("usage sample rows: %w", err)
	}
	return UsageSummary{
		Samples: total,
		ByRole:  sortedBuckets(byRole),
		ByTool:  sortedBuckets(byTool),
	}, nil
}

// SummarizeTeam builds the full report: entity counts, a task-status
// histogram and the usage summary.
func (s *Store) SummarizeTeam(ctx context.Context, teamID string) (TeamSummary, error) {
	team, err := s.GetTeam(ctx, teamID)
	if err != nil {
		return TeamSummary{}, err
	}
	sum := TeamSummary{Team: team, TasksByStatus: make(map[TaskStatus]int64)}

	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM agents WHERE team_id = ?;`, &sum.AgentCount},
		{`SELECT COUNT(DISTINCT artifact_id) FROM artifacts WHERE team_id = ?;`, &sum.ArtifactCount},
		{`SELECT COUNT(*) FROM messages WHERE team_id = ?;`, &sum.MessageCount},
		{`SELECT COUNT(*) FROM run_events WHERE team_id = ?;`, &sum.EventCount},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, teamID).Scan(c.dest); err != nil {
			return TeamSummary{}, fmt.Errorf("count team entities: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks WHERE team_id = ? GROUP BY status;
	`, teamID)
	if err != nil {
		return TeamSummary{}, fmt.Errorf("query task histogram: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status TaskStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return TeamSummary{}, fmt.Errorf("scan task histogram: %w", err)
		}
		sum.TasksByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return TeamSummary{}, fmt.Errorf("task histogram rows: %w", err)
	}

	usage, err := s.SummarizeUsage(ctx, teamID)
	if err != nil {
		return TeamSummary{}, err
	}
	sum.Usage = usage
	return sum, nil
}
