package dag

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestBuild_DefaultsAndFiltering(t *testing.T) {
	specs := []TaskSpec{
		{Agent: "claude", Prompt: "first"},
		{Agent: "", Prompt: "dropped: no agent"},
		{Agent: "amp", Prompt: ""},
		{ID: "named", Agent: "aider", Prompt: "second", DependsOn: []string{"node_0", "node_0", ""}},
		{Agent: "claude", Prompt: "third"},
	}

	g, err := Build(specs, DefaultDefaults())
	require.NoError(t, err)
	require.Equal(t, 3, g.Len())

	assert.Equal(t, "node_0", g.Nodes[0].ID)
	assert.Equal(t, "named", g.Nodes[1].ID)
	assert.Equal(t, "node_2", g.Nodes[2].ID)
	assert.Equal(t, []string{"node_0"}, g.Nodes[1].DependsOn)
	assert.Same(t, g.Nodes[1], g.Node("named"))
	assert.Nil(t, g.Node("missing"))

	for _, n := range g.Nodes {
		assert.Equal(t, DefaultTimeout, n.Timeout)
		assert.Equal(t, DefaultMaxRetries, n.MaxRetries)
	}
}

func TestBuild_Clamping(t *testing.T) {
	tests := []struct {
		name        string
		spec        TaskSpec
		wantTimeout time.Duration
		wantRetries int
	}{
		{"short timeout", TaskSpec{TimeoutMs: 10}, MinTimeout, DefaultMaxRetries},
		{"long timeout", TaskSpec{TimeoutMs: 5_000_000}, MaxTimeout, DefaultMaxRetries},
		{"in range", TaskSpec{TimeoutMs: 60_000, MaxRetries: intPtr(2)}, time.Minute, 2},
		{"zero retries", TaskSpec{MaxRetries: intPtr(0)}, DefaultTimeout, 0},
		{"negative retries", TaskSpec{MaxRetries: intPtr(-4)}, DefaultTimeout, 0},
		{"too many retries", TaskSpec{MaxRetries: intPtr(9)}, DefaultTimeout, MaxRetriesLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := tt.spec
			spec.Agent, spec.Prompt = "claude", "p"
			g, err := Build([]TaskSpec{spec}, DefaultDefaults())
			require.NoError(t, err)
			assert.Equal(t, tt.wantTimeout, g.Nodes[0].Timeout)
			assert.Equal(t, tt.wantRetries, g.Nodes[0].MaxRetries)
		})
	}
}

func TestBuild_TruncatesToMaxNodes(t *testing.T) {
	specs := make([]TaskSpec, 55)
	for i := range specs {
		specs[i] = TaskSpec{Agent: "claude", Prompt: fmt.Sprintf("task %d", i)}
	}
	g, err := Build(specs, DefaultDefaults())
	require.NoError(t, err)
	assert.Equal(t, MaxNodes, g.Len())
	assert.Equal(t, "task 39", g.Nodes[MaxNodes-1].Prompt)
}

func TestBuild_RejectsDuplicateIDs(t *testing.T) {
	tests := []struct {
		name  string
		specs []TaskSpec
	}{
		{"explicit", []TaskSpec{
			{ID: "a", Agent: "claude", Prompt: "1"},
			{ID: "a", Agent: "claude", Prompt: "2"},
		}},
		{"explicit collides with default", []TaskSpec{
			{ID: "node_1", Agent: "claude", Prompt: "1"},
			{Agent: "claude", Prompt: "2"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.specs, DefaultDefaults())
			assert.ErrorIs(t, err, ErrDuplicateNodeID)
		})
	}
}

func TestFindCycle(t *testing.T) {
	tests := []struct {
		name  string
		deps  map[string][]string
		cycle bool
	}{
		{"acyclic chain", map[string][]string{"b": {"a"}, "c": {"b"}}, false},
		{"diamond", map[string][]string{"b": {"a"}, "c": {"a"}, "d": {"b", "c"}}, false},
		{"self loop", map[string][]string{"a": {"a"}}, true},
		{"two node", map[string][]string{"a": {"b"}, "b": {"a"}}, true},
		{"three node", map[string][]string{"a": {"c"}, "b": {"a"}, "c": {"b"}}, true},
		{"unknown ref ignored", map[string][]string{"a": {"ghost"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var specs []TaskSpec
			for _, id := range []string{"a", "b", "c", "d"} {
				specs = append(specs, TaskSpec{ID: id, Agent: "claude", Prompt: id, DependsOn: tt.deps[id]})
			}
			g, err := Build(specs, DefaultDefaults())
			require.NoError(t, err)

			cycle := g.FindCycle()
			if !tt.cycle {
				assert.Nil(t, cycle)
				return
			}
			require.NotEmpty(t, cycle)
			assert.Equal(t, cycle[0], cycle[len(cycle)-1], "cycle path should close on itself")
		})
	}
}
