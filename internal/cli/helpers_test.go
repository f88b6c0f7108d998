package cli

import (
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/swamp-dev/autoflow/internal/autoflow"
	"github.com/swamp-dev/autoflow/internal/config"
	"github.com/swamp-dev/autoflow/internal/dag"
	"github.com/swamp-dev/autoflow/internal/resume"
	"github.com/swamp-dev/autoflow/internal/store"
)

func TestRenderProgressBar(t *testing.T) {
	tests := []struct {
		name    string
		percent float64
		width   int
		wantLen int // total length including brackets
	}{
		{"0 percent", 0.0, 20, 22},
		{"50 percent", 50.0, 20, 22},
		{"100 percent", 100.0, 20, 22},
		{"25 percent", 25.0, 40, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := renderProgressBar(tt.percent, tt.width)

			runes := []rune(result)
			if len(runes) != tt.wantLen {
				t.Errorf("renderProgressBar(%.0f, %d) rune length = %d, want %d", tt.percent, tt.width, len(runes), tt.wantLen)
			}
			if result[0] != '[' {
				t.Error("expected bar to start with '['")
			}
			if runes[len(runes)-1] != ']' {
				t.Error("expected bar to end with ']'")
			}
		})
	}

	if strings.Contains(renderProgressBar(0.0, 10), "█") {
		t.Error("0% bar should have no filled blocks")
	}
	if strings.Contains(renderProgressBar(100.0, 10), "░") {
		t.Error("100% bar should have no empty blocks")
	}
	if strings.Contains(renderProgressBar(150.0, 10), "░") {
		t.Error(">100% bar should be clamped to full (no empty blocks)")
	}
}

func TestIcons(t *testing.T) {
	phases := map[autoflow.Phase]string{
		autoflow.PhaseCompleted:    "✓",
		autoflow.PhaseFailed:       "✗",
		autoflow.PhaseStopped:      "■",
		autoflow.PhasePlanning:     "○",
		autoflow.PhaseVerification: "▶",
	}
	for phase, want := range phases {
		if got := phaseIcon(phase); got != want {
			t.Errorf("phaseIcon(%s) = %q, want %q", phase, got, want)
		}
	}

	nodes := map[dag.NodeStatus]string{
		dag.StatusCompleted: "✓",
		dag.StatusTimeout:   "✗",
		dag.StatusBlocked:   "⊘",
		"":                  "○",
	}
	for status, want := range nodes {
		if got := nodeIcon(status); got != want {
			t.Errorf("nodeIcon(%q) = %q, want %q", status, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		max      int
		expected string
	}{
		{"short string unchanged", "hello", 10, "hello"},
		{"exact length unchanged", "hello", 5, "hello"},
		{"over length gets ellipsis", "hello world", 8, "hello..."},
		{"empty string", "", 10, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := truncate(tt.input, tt.max)
			if result != tt.expected {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.max, result, tt.expected)
			}
		})
	}
}

func TestExamplePlanLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	data, err := yaml.Marshal(examplePlan("aider"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	plan, err := loadPlan(path)
	if err != nil {
		t.Fatalf("loadPlan: %v", err)
	}
	if len(plan.Tasks) != 2 || plan.Tasks[1].DependsOn[0] != "validate" {
		t.Errorf("unexpected tasks: %+v", plan.Tasks)
	}
	if len(plan.FixSteps) != 2 || plan.FixSteps[1].Kind() != autoflow.FixKindAgent {
		t.Errorf("unexpected fix steps: %+v", plan.FixSteps)
	}
	if _, err := dag.Build(plan.Tasks, dag.DefaultDefaults()); err != nil {
		t.Errorf("example plan does not build: %v", err)
	}
}

func TestLoadPlan_Errors(t *testing.T) {
	if _, err := loadPlan(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing plan")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("fix_steps: make fmt\n"), 0644)
	if _, err := loadPlan(path); err == nil {
		t.Error("expected error for scalar fix_steps")
	}
}

func TestMergePlan(t *testing.T) {
	plan := &planFile{
		Goal:                "plan goal",
		Tasks:               []dag.TaskSpec{{Agent: "claude", Prompt: "p"}},
		VerificationCommand: "make test",
		FixCommands:         []string{"make fmt"},
		MaxFixRounds:        4,
		MaxParallel:         2,
	}

	in := autoflow.RunInput{SessionID: "s", VerificationCommand: "go test ./...", MaxParallel: 6}
	mergePlan(&in, plan)

	if in.Goal != "plan goal" || len(in.Tasks) != 1 {
		t.Errorf("plan fields not applied: %+v", in)
	}
	if in.VerificationCommand != "go test ./..." || in.MaxParallel != 6 {
		t.Errorf("flags should win over the plan: %+v", in)
	}
	if in.MaxFixRounds != 4 || len(in.FixCommands) != 1 {
		t.Errorf("unset flags should come from the plan: %+v", in)
	}
}

func TestPersistentSetter(t *testing.T) {
	cfg := resume.DefaultPersistentConfig()

	for _, kv := range [][2]string{
		{"enabled", "false"},
		{"resume_cooldown", "10s"},
		{"resume_timeout", "2m"},
		{"max_auto_resumes", "12"},
		{"max_consecutive_resume_failures", "5"},
	} {
		apply, err := persistentSetter(kv[0], kv[1])
		if err != nil {
			t.Fatalf("persistentSetter(%s): %v", kv[0], err)
		}
		apply(&cfg)
	}

	want := resume.PersistentConfig{
		Enabled:                      false,
		ResumeCooldownMs:             10000,
		MaxAutoResumes:               12,
		MaxConsecutiveResumeFailures: 5,
		ResumeTimeoutMs:              120000,
	}
	if cfg != want {
		t.Errorf("got %+v, want %+v", cfg, want)
	}

	for _, kv := range [][2]string{{"enabled", "maybe"}, {"resume_cooldown", "soon"}, {"max_auto_resumes", "x"}, {"color", "red"}} {
		if _, err := persistentSetter(kv[0], kv[1]); err == nil {
			t.Errorf("expected error for %s=%s", kv[0], kv[1])
		}
	}
}

func TestPersistentDefaults(t *testing.T) {
	pc, err := persistentDefaults(config.DefaultConfig().Persistent)
	if err != nil {
		t.Fatalf("persistentDefaults: %v", err)
	}
	if pc != resume.DefaultPersistentConfig() {
		t.Errorf("config defaults should match resume defaults: %+v", pc)
	}

	pc, err = persistentDefaults(config.PersistentConfig{ResumeCooldown: "1h"})
	if err != nil {
		t.Fatalf("persistentDefaults: %v", err)
	}
	if pc.Enabled || pc.Cooldown() != resume.MaxResumeCooldown {
		t.Errorf("expected disabled config with clamped cooldown, got %+v", pc)
	}

	if _, err := persistentDefaults(config.PersistentConfig{ResumeTimeout: "-1s"}); err == nil {
		t.Error("expected error for negative timeout")
	}
}

func TestControllerDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	d, err := controllerDefaults(cfg)
	if err != nil {
		t.Fatalf("controllerDefaults: %v", err)
	}
	if d.Nodes.Timeout != 5*time.Minute || d.Nodes.MaxRetries != 1 {
		t.Errorf("unexpected node defaults: %+v", d.Nodes)
	}
	if d.CommandTimeout != 2*time.Minute || d.MaxParallel != 3 || d.MaxFixRounds != 3 {
		t.Errorf("unexpected defaults: %+v", d)
	}
}

func TestSelectImages(t *testing.T) {
	refs, err := selectImages(nil)
	if err != nil || len(refs) != 5 {
		t.Fatalf("selectImages(nil) = %v, %v", refs, err)
	}

	refs, err = selectImages([]string{"node", "autoflow/go:1.24"})
	if err != nil {
		t.Fatalf("selectImages: %v", err)
	}
	if refs[0] != "autoflow/node:20" || refs[1] != "autoflow/go:1.24" {
		t.Errorf("unexpected refs %v", refs)
	}

	if _, err := selectImages([]string{"cobol"}); err == nil {
		t.Error("expected error for unknown image")
	}
}

func TestCurrentBuild(t *testing.T) {
	stamped := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			Main: debug.Module{Version: "v0.4.1"},
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "abc123"},
				{Key: "vcs.time", Value: "2026-03-01T09:00:00Z"},
				{Key: "vcs.modified", Value: "true"},
			},
		}, true
	}

	info := currentBuild(stamped)
	if info.Version != "v0.4.1" || info.Commit != "abc123" || info.BuildDate != "2026-03-01T09:00:00Z" {
		t.Errorf("expected VCS stamp to fill unset fields, got %+v", info)
	}
	if !info.Modified {
		t.Error("expected modified tree to be reported")
	}
	if info.StoreSchema != store.SchemaVersion {
		t.Errorf("store schema = %d, want %d", info.StoreSchema, store.SchemaVersion)
	}

	old := Commit
	Commit = "release"
	t.Cleanup(func() { Commit = old })
	if got := currentBuild(stamped).Commit; got != "release" {
		t.Errorf("linker value should win, got %q", got)
	}

	bare := currentBuild(func() (*debug.BuildInfo, bool) { return nil, false })
	if bare.Commit != "release" || bare.Version != Version {
		t.Errorf("unexpected fallback %+v", bare)
	}
}
