package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const diagnosisYAML = `
id: diagnosis
name: Diagnosis
version: "2.0"
steps:
  - id: assess
    type: ACTION
    agent: triage
    action: assess
    timeout: 30
    parameters:
      patient: "{{patient_id}}"
      options:
        verbose: true
  - id: decide
    type: condition
    dependencies: [assess]
    condition:
      field: step_assess_result.severity
      operator: EQUALS
      value: high
  - id: escalate
    type: action
    agent: doctor
    action: review
    dependencies: [decide]
    condition:
      field: step_decide_condition
      operator: equals
      value: true
  - id: confirm
    type: wait
    dependencies: [escalate]
    timeout: 10m
    wait_condition:
      field: user_confirmed
      operator: equals
      value: true
  - id: repeat
    type: loop
    dependencies: [confirm]
    loop_config:
      loop_type: FOR
      max_iterations: 3
      break_on_error: true
    loop_steps:
      - id: ping
        type: action
        agent: triage
        action: ping
`

func TestParseDefinitionYAML(t *testing.T) {
	t.Parallel()

	def, err := ParseDefinitionYAML([]byte(diagnosisYAML))
	require.NoError(t, err)

	assert.Equal(t, "diagnosis", def.ID)
	assert.Equal(t, "2.0", def.Version)
	require.Len(t, def.Steps, 5)

	assess := def.Steps[0]
	assert.Equal(t, StepTypeAction, assess.Type.Normalize())
	assert.Equal(t, 30*time.Second, assess.Timeout.Std())
	assert.Equal(t, map[string]any{"verbose": true}, assess.Parameters["options"])

	confirm, ok := def.Step("confirm")
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, confirm.Timeout.Std())
	assert.Equal(t, OpEquals, confirm.WaitCondition.Operator.Normalize())

	ping, ok := def.Step("ping")
	require.True(t, ok)
	assert.Equal(t, "ping", ping.Action)

	loop, _ := def.Step("repeat")
	assert.Equal(t, LoopTypeFor, loop.LoopConfig.Type.Normalize())
	assert.Equal(t, 3, loop.LoopConfig.MaxIterations)
	assert.True(t, loop.LoopConfig.BreakOnError)
}

func TestDefinition_JSONRoundTripKeepsDurations(t *testing.T) {
	t.Parallel()

	def := NewDefinitionBuilder("rt").
		AddStep(WaitFor("pause", 1500*time.Millisecond).WithTimeout(time.Minute)).
		MustBuild()

	data, err := def.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"wait_duration": "1.5s"`)

	parsed, err := ParseDefinitionJSON(data)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, parsed.Steps[0].WaitDuration.Std())
	assert.Equal(t, time.Minute, parsed.Steps[0].Timeout.Std())
}

func TestDuration_UnmarshalJSONNumberIsSeconds(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`2.5`)))
	assert.Equal(t, 2500*time.Millisecond, d.Std())
	require.NoError(t, d.UnmarshalJSON([]byte(`"45"`)))
	assert.Equal(t, 45*time.Second, d.Std())
	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		def     WorkflowDefinition
		problem string
	}{
		{
			name:    "missing id",
			def:     WorkflowDefinition{Steps: []WorkflowStep{{ID: "a", Type: StepTypeWait, WaitDuration: Seconds(1)}}},
			problem: "workflow id is required",
		},
		{
			name:    "no steps",
			def:     WorkflowDefinition{ID: "w"},
			problem: "workflow has no steps",
		},
		{
			name: "duplicate ids across nesting",
			def: WorkflowDefinition{ID: "w", Steps: []WorkflowStep{
				{ID: "a", Type: StepTypeAction, Agent: "x", Action: "y"},
				{ID: "p", Type: StepTypeParallel, ParallelSteps: []WorkflowStep{
					{ID: "a", Type: StepTypeAction, Agent: "x", Action: "y"},
				}},
			}},
			problem: `duplicate step id "a"`,
		},
		{
			name: "unknown dependency",
			def: WorkflowDefinition{ID: "w", Steps: []WorkflowStep{
				{ID: "a", Type: StepTypeAction, Agent: "x", Action: "y", Dependencies: []string{"ghost"}},
			}},
			problem: `unknown step "ghost"`,
		},
		{
			name: "cycle",
			def: WorkflowDefinition{ID: "w", Steps: []WorkflowStep{
				{ID: "a", Type: StepTypeAction, Agent: "x", Action: "y", Dependencies: []string{"c"}},
				{ID: "b", Type: StepTypeAction, Agent: "x", Action: "y", Dependencies: []string{"a"}},
				{ID: "c", Type: StepTypeAction, Agent: "x", Action: "y", Dependencies: []string{"b"}},
			}},
			problem: "dependency cycle",
		},
		{
			name: "action without agent",
			def: WorkflowDefinition{ID: "w", Steps: []WorkflowStep{
				{ID: "a", Type: StepTypeAction, Action: "y"},
			}},
			problem: "requires an agent",
		},
		{
			name: "condition without rule",
			def: WorkflowDefinition{ID: "w", Steps: []WorkflowStep{
				{ID: "a", Type: StepTypeCondition},
			}},
			problem: "requires a condition",
		},
		{
			name: "wait with both modes",
			def: WorkflowDefinition{ID: "w", Steps: []WorkflowStep{
				{ID: "a", Type: StepTypeWait, WaitDuration: Seconds(1), WaitCondition: Rule("x", OpExists, nil)},
			}},
			problem: "exactly one of",
		},
		{
			name: "loop without body",
			def: WorkflowDefinition{ID: "w", Steps: []WorkflowStep{
				{ID: "a", Type: StepTypeLoop, LoopConfig: &LoopConfig{Type: LoopTypeFor, MaxIterations: 2}},
			}},
			problem: "requires loop_steps",
		},
		{
			name: "negative max iterations",
			def: WorkflowDefinition{ID: "w", Steps: []WorkflowStep{
				{ID: "a", Type: StepTypeLoop, LoopConfig: &LoopConfig{Type: LoopTypeFor, MaxIterations: -1},
					LoopSteps: []WorkflowStep{{ID: "b", Type: StepTypeWait, WaitDuration: Seconds(1)}}},
			}},
			problem: "must not be negative",
		},
		{
			name: "unknown operator",
			def: WorkflowDefinition{ID: "w", Steps: []WorkflowStep{
				{ID: "a", Type: StepTypeCondition, Condition: Rule("x", "approximately", 1)},
			}},
			problem: "unknown condition operator",
		},
		{
			name: "unknown step type",
			def: WorkflowDefinition{ID: "w", Steps: []WorkflowStep{
				{ID: "a", Type: "teleport"},
			}},
			problem: "unknown step type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.def.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
			assert.Contains(t, err.Error(), tt.problem)
		})
	}
}

func TestBuilder_BuildsNestedDefinition(t *testing.T) {
	t.Parallel()

	def, err := NewDefinitionBuilder("nested").
		Named("Nested").
		WithDescription("parallel then loop").
		WithMetadata("owner", "ops").
		AddStep(
			Parallel("fan",
				Action("a", "agent-a", "run").WithParam("n", 1),
				Action("b", "agent-b", "run").WithRetry(2),
			).WithTimeout(time.Minute),
			Loop("again", LoopConfig{Type: LoopTypeWhile, MaxIterations: 5, Condition: Rule("go_on", OpEquals, true)},
				Action("tick", "agent-a", "tick"),
			).DependsOn("fan"),
			Condition("check", Rule("step_again_result.iterations", OpGreaterThan, 0)).DependsOn("again"),
			WaitUntil("hold", Rule("released", OpExists, nil)).DependsOn("check").When(Rule("step_check_condition", OpEquals, true)),
		).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "Nested", def.Name)
	assert.Equal(t, "ops", def.Metadata["owner"])
	require.Len(t, def.Steps, 4)
	assert.Len(t, def.Steps[0].ParallelSteps, 2)
	assert.Equal(t, 2, def.Steps[0].ParallelSteps[1].RetryCount)
	assert.Equal(t, []string{"fan"}, def.Steps[1].Dependencies)
	assert.NotNil(t, def.Steps[3].Condition)
}

func TestBuilder_RejectsInvalid(t *testing.T) {
	t.Parallel()

	_, err := NewDefinitionBuilder("bad").
		AddStep(Action("a", "x", "y").DependsOn("b"), Action("b", "x", "y").DependsOn("a")).
		Build()
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	assert.Panics(t, func() {
		NewDefinitionBuilder("bad").AddStep(Action("a", "", "")).MustBuild()
	})
}

func TestDefinition_CloneIsDeep(t *testing.T) {
	t.Parallel()

	def := NewDefinitionBuilder("c").
		AddStep(Action("a", "x", "y").WithParam("nested", map[string]any{"k": "v"})).
		MustBuild()
	clone := def.Clone()
	clone.Steps[0].Parameters["nested"].(map[string]any)["k"] = "changed"
	clone.Steps[0].ID = "renamed"

	assert.Equal(t, "v", def.Steps[0].Parameters["nested"].(map[string]any)["k"])
	assert.Equal(t, "a", def.Steps[0].ID)
}

func TestLoadDefinitionsDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(diagnosisYAML), 0o600))

	js, err := NewDefinitionBuilder("a-json").AddStep(WaitFor("w", time.Second)).MustBuild().ToJSON()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), js, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	defs, err := LoadDefinitionsDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "a-json", defs[0].ID)
	assert.Equal(t, "diagnosis", defs[1].ID)

	_, err = LoadDefinitionFile(filepath.Join(dir, "notes.txt"))
	assert.Error(t, err)
}
