package workflow

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefinitionBuilder provides a fluent API for constructing workflow definitions
type DefinitionBuilder struct {
	def    WorkflowDefinition
	logger *zap.Logger
}

// NewDefinitionBuilder creates a builder for a workflow with the given id
func NewDefinitionBuilder(id string) *DefinitionBuilder {
	return &DefinitionBuilder{
		def:    WorkflowDefinition{ID: id, Name: id, Version: "1.0"},
		logger: zap.NewNop(),
	}
}

// Named sets the workflow name
func (b *DefinitionBuilder) Named(name string) *DefinitionBuilder {
	b.def.Name = name
	return b
}

// WithVersion sets the workflow version
func (b *DefinitionBuilder) WithVersion(version string) *DefinitionBuilder {
	b.def.Version = version
	return b
}

// WithDescription sets the workflow description
func (b *DefinitionBuilder) WithDescription(desc string) *DefinitionBuilder {
	b.def.Description = desc
	return b
}

// WithMetadata sets a metadata entry
func (b *DefinitionBuilder) WithMetadata(key string, value any) *DefinitionBuilder {
	if b.def.Metadata == nil {
		b.def.Metadata = make(map[string]any)
	}
	b.def.Metadata[key] = value
	return b
}

// WithLogger sets a custom logger
func (b *DefinitionBuilder) WithLogger(logger *zap.Logger) *DefinitionBuilder {
	if logger != nil {
		b.logger = logger.With(zap.String("component", "definition_builder"))
	}
	return b
}

// AddStep appends top-level steps in order
func (b *DefinitionBuilder) AddStep(steps ...*StepBuilder) *DefinitionBuilder {
	for _, s := range steps {
		b.def.Steps = append(b.def.Steps, s.Build())
	}
	return b
}

// Build validates and returns the definition
func (b *DefinitionBuilder) Build() (*WorkflowDefinition, error) {
	def := b.def.Clone()
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("definition validation failed: %w", err)
	}

	b.logger.Debug("workflow definition built",
		zap.String("workflow_id", def.ID),
		zap.Int("steps", len(def.Steps)),
	)
	return def, nil
}

// MustBuild is Build that panics on error, for static definitions
func (b *DefinitionBuilder) MustBuild() *WorkflowDefinition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// StepBuilder configures a single step
type StepBuilder struct {
	step WorkflowStep
}

// Action creates an action step dispatching action to agent
func Action(id, agent, action string) *StepBuilder {
	return &StepBuilder{step: WorkflowStep{ID: id, Type: StepTypeAction, Agent: agent, Action: action}}
}

// Condition creates a condition step recording the rule's result
func Condition(id string, rule *ConditionRule) *StepBuilder {
	return &StepBuilder{step: WorkflowStep{ID: id, Type: StepTypeCondition, Condition: rule}}
}

// Parallel creates a parallel group of child steps
func Parallel(id string, children ...*StepBuilder) *StepBuilder {
	sb := &StepBuilder{step: WorkflowStep{ID: id, Type: StepTypeParallel}}
	for _, c := range children {
		sb.step.ParallelSteps = append(sb.step.ParallelSteps, c.Build())
	}
	return sb
}

// Loop creates a loop step running body on each iteration
func Loop(id string, cfg LoopConfig, body ...*StepBuilder) *StepBuilder {
	sb := &StepBuilder{step: WorkflowStep{ID: id, Type: StepTypeLoop, LoopConfig: &cfg}}
	for _, c := range body {
		sb.step.LoopSteps = append(sb.step.LoopSteps, c.Build())
	}
	return sb
}

// WaitFor creates a wait step sleeping for d
func WaitFor(id string, d time.Duration) *StepBuilder {
	return &StepBuilder{step: WorkflowStep{ID: id, Type: StepTypeWait, WaitDuration: Duration(d)}}
}

// WaitUntil creates a wait step polling rule until it holds
func WaitUntil(id string, rule *ConditionRule) *StepBuilder {
	return &StepBuilder{step: WorkflowStep{ID: id, Type: StepTypeWait, WaitCondition: rule}}
}

// Named sets the step name
func (s *StepBuilder) Named(name string) *StepBuilder {
	s.step.Name = name
	return s
}

// DependsOn adds dependencies
func (s *StepBuilder) DependsOn(ids ...string) *StepBuilder {
	s.step.Dependencies = append(s.step.Dependencies, ids...)
	return s
}

// WithTimeout sets the step timeout
func (s *StepBuilder) WithTimeout(d time.Duration) *StepBuilder {
	s.step.Timeout = Duration(d)
	return s
}

// When gates the step on rule
func (s *StepBuilder) When(rule *ConditionRule) *StepBuilder {
	s.step.Condition = rule
	return s
}

// WithParam sets one action parameter
func (s *StepBuilder) WithParam(key string, value any) *StepBuilder {
	if s.step.Parameters == nil {
		s.step.Parameters = make(map[string]any)
	}
	s.step.Parameters[key] = value
	return s
}

// WithParams merges action parameters
func (s *StepBuilder) WithParams(params map[string]any) *StepBuilder {
	for k, v := range params {
		s.WithParam(k, v)
	}
	return s
}

// WithRetry sets the number of extra dispatch attempts
func (s *StepBuilder) WithRetry(n int) *StepBuilder {
	s.step.RetryCount = n
	return s
}

// WithMetadata sets a metadata entry
func (s *StepBuilder) WithMetadata(key string, value any) *StepBuilder {
	if s.step.Metadata == nil {
		s.step.Metadata = make(map[string]any)
	}
	s.step.Metadata[key] = value
	return s
}

// Build returns a copy of the configured step
func (s *StepBuilder) Build() WorkflowStep {
	return cloneSteps([]WorkflowStep{s.step})[0]
}

// Rule is shorthand for a ConditionRule literal
func Rule(field string, op Operator, value any) *ConditionRule {
	return &ConditionRule{Field: field, Operator: op, Value: value}
}
