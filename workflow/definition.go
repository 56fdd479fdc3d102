package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StepType defines the kind of a workflow step
type StepType string

const (
	// StepTypeAction dispatches a request to a remote agent
	StepTypeAction StepType = "action"
	// StepTypeParallel runs its child steps concurrently
	StepTypeParallel StepType = "parallel"
	// StepTypeLoop runs its body steps once per iteration
	StepTypeLoop StepType = "loop"
	// StepTypeCondition evaluates a rule and records the boolean result
	StepTypeCondition StepType = "condition"
	// StepTypeWait sleeps for a duration or until a rule holds
	StepTypeWait StepType = "wait"
)

// Normalize returns the canonical lower-case step type.
func (t StepType) Normalize() StepType {
	return StepType(strings.ToLower(strings.TrimSpace(string(t))))
}

// LoopType defines the type of loop
type LoopType string

const (
	// LoopTypeFor runs a bounded number of iterations, optionally guarded by a condition
	LoopTypeFor LoopType = "for"
	// LoopTypeWhile runs while its condition holds
	LoopTypeWhile LoopType = "while"
	// LoopTypeForEach runs once per item of a list found in the context
	LoopTypeForEach LoopType = "foreach"
)

// Normalize returns the canonical lower-case loop type.
func (t LoopType) Normalize() LoopType {
	return LoopType(strings.ToLower(strings.TrimSpace(string(t))))
}

// LoopConfig defines loop behavior
type LoopConfig struct {
	// Type specifies the loop type (for, while, foreach)
	Type LoopType `json:"loop_type" yaml:"loop_type"`
	// MaxIterations is a hard upper bound for every loop type (0 = engine default)
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`
	// Condition is checked before each for/while iteration; false stops the loop
	Condition *ConditionRule `json:"condition,omitempty" yaml:"condition,omitempty"`
	// BreakOnError stops the loop at the first failed iteration and fails the step
	BreakOnError bool `json:"break_on_error" yaml:"break_on_error"`
	// ItemsField is the context path of the list a foreach loop walks
	ItemsField string `json:"items_field,omitempty" yaml:"items_field,omitempty"`
}

// WorkflowStep is one node of a workflow. Which fields apply depends on Type.
type WorkflowStep struct {
	// ID is unique across the whole definition, nested steps included
	ID string `json:"id" yaml:"id"`
	// Name is a human readable label
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Type selects the executor
	Type StepType `json:"type" yaml:"type"`
	// Dependencies lists sibling step ids that must be terminal first
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	// Timeout bounds the step (0 = engine default)
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Condition gates the step; for condition steps it is the evaluated rule instead
	Condition *ConditionRule `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Agent is the target agent id (action)
	Agent string `json:"agent,omitempty" yaml:"agent,omitempty"`
	// Action is the agent action name (action)
	Action string `json:"action,omitempty" yaml:"action,omitempty"`
	// Parameters may contain {{path}} templates resolved from the context (action)
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	// RetryCount is the number of extra dispatch attempts (action)
	RetryCount int `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`

	// ParallelSteps run concurrently as one unit (parallel)
	ParallelSteps []WorkflowStep `json:"parallel_steps,omitempty" yaml:"parallel_steps,omitempty"`

	// LoopConfig controls iteration (loop)
	LoopConfig *LoopConfig `json:"loop_config,omitempty" yaml:"loop_config,omitempty"`
	// LoopSteps run sequentially on every iteration (loop)
	LoopSteps []WorkflowStep `json:"loop_steps,omitempty" yaml:"loop_steps,omitempty"`

	// WaitCondition is polled until true (wait)
	WaitCondition *ConditionRule `json:"wait_condition,omitempty" yaml:"wait_condition,omitempty"`
	// WaitDuration is a fixed delay (wait)
	WaitDuration Duration `json:"wait_duration,omitempty" yaml:"wait_duration,omitempty"`

	// Metadata stores additional step information
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (s *WorkflowStep) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// WorkflowDefinition is an immutable workflow template.
type WorkflowDefinition struct {
	// ID identifies the workflow within an engine
	ID string `json:"id" yaml:"id"`
	// Name is the workflow name
	Name string `json:"name" yaml:"name"`
	// Version is a free-form version label
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	// Description describes the workflow
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Steps are the top-level steps in declaration order
	Steps []WorkflowStep `json:"steps" yaml:"steps"`
	// Metadata stores additional workflow information
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Step finds a step by id at any nesting depth.
func (d *WorkflowDefinition) Step(id string) (*WorkflowStep, bool) {
	return findStep(d.Steps, id)
}

func findStep(steps []WorkflowStep, id string) (*WorkflowStep, bool) {
	for i := range steps {
		s := &steps[i]
		if s.ID == id {
			return s, true
		}
		if found, ok := findStep(s.ParallelSteps, id); ok {
			return found, true
		}
		if found, ok := findStep(s.LoopSteps, id); ok {
			return found, true
		}
	}
	return nil, false
}

// Validate checks structural invariants: unique ids, resolvable
// dependencies, no cycles and per-type required fields. All problems are
// reported together, wrapped in ErrInvalidDefinition.
func (d *WorkflowDefinition) Validate() error {
	var problems []error
	if strings.TrimSpace(d.ID) == "" {
		problems = append(problems, errors.New("workflow id is required"))
	}
	if len(d.Steps) == 0 {
		problems = append(problems, errors.New("workflow has no steps"))
	}

	seen := make(map[string]struct{})
	problems = append(problems, validateScope(d.Steps, seen)...)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, errors.Join(problems...))
	}
	return nil
}

func validateScope(steps []WorkflowStep, seen map[string]struct{}) []error {
	var problems []error
	local := make(map[string]struct{}, len(steps))

	for i := range steps {
		s := &steps[i]
		if strings.TrimSpace(s.ID) == "" {
			problems = append(problems, fmt.Errorf("step #%d has no id", i))
			continue
		}
		if _, dup := seen[s.ID]; dup {
			problems = append(problems, fmt.Errorf("duplicate step id %q", s.ID))
		}
		seen[s.ID] = struct{}{}
		local[s.ID] = struct{}{}
	}

	for i := range steps {
		s := &steps[i]
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				problems = append(problems, fmt.Errorf("step %q depends on itself", s.ID))
				continue
			}
			if _, ok := local[dep]; !ok {
				problems = append(problems, fmt.Errorf("step %q depends on unknown step %q", s.ID, dep))
			}
		}
		if s.Timeout < 0 {
			problems = append(problems, fmt.Errorf("step %q has a negative timeout", s.ID))
		}
		problems = append(problems, validateStep(s, seen)...)
	}

	if cycle := findCycle(steps); len(cycle) > 0 {
		problems = append(problems, fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> ")))
	}
	return problems
}

func validateStep(s *WorkflowStep, seen map[string]struct{}) []error {
	var problems []error
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf("step %q: "+format, append([]any{s.ID}, args...)...))
	}

	if s.Condition != nil {
		if err := s.Condition.Validate(); err != nil {
			fail("%v", err)
		}
	}

	switch s.Type.Normalize() {
	case StepTypeAction:
		if s.Agent == "" {
			fail("action step requires an agent")
		}
		if s.Action == "" {
			fail("action step requires an action")
		}
		if s.RetryCount < 0 {
			fail("retry_count must not be negative")
		}
	case StepTypeCondition:
		if s.Condition == nil {
			fail("condition step requires a condition")
		}
	case StepTypeParallel:
		if len(s.ParallelSteps) == 0 {
			fail("parallel step requires parallel_steps")
		}
		problems = append(problems, validateScope(s.ParallelSteps, seen)...)
	case StepTypeLoop:
		if s.LoopConfig == nil {
			fail("loop step requires loop_config")
		} else {
			problems = append(problems, validateLoopConfig(s.ID, s.LoopConfig)...)
		}
		if len(s.LoopSteps) == 0 {
			fail("loop step requires loop_steps")
		}
		problems = append(problems, validateScope(s.LoopSteps, seen)...)
	case StepTypeWait:
		hasDuration := s.WaitDuration > 0
		hasCondition := s.WaitCondition != nil
		if hasDuration == hasCondition {
			fail("wait step requires exactly one of wait_duration and wait_condition")
		}
		if hasCondition {
			if err := s.WaitCondition.Validate(); err != nil {
				fail("wait_condition: %v", err)
			}
		}
	default:
		fail("unknown step type %q", s.Type)
	}
	return problems
}

func validateLoopConfig(stepID string, cfg *LoopConfig) []error {
	var problems []error
	switch cfg.Type.Normalize() {
	case LoopTypeFor, LoopTypeWhile:
	case LoopTypeForEach:
		if cfg.ItemsField == "" {
			problems = append(problems, fmt.Errorf("step %q: foreach loop requires items_field", stepID))
		}
	default:
		problems = append(problems, fmt.Errorf("step %q: unknown loop type %q", stepID, cfg.Type))
	}
	if cfg.Type.Normalize() == LoopTypeWhile && cfg.Condition == nil {
		problems = append(problems, fmt.Errorf("step %q: while loop requires a condition", stepID))
	}
	if cfg.MaxIterations < 0 {
		problems = append(problems, fmt.Errorf("step %q: max_iterations must not be negative", stepID))
	}
	if cfg.Condition != nil {
		if err := cfg.Condition.Validate(); err != nil {
			problems = append(problems, fmt.Errorf("step %q: loop condition: %v", stepID, err))
		}
	}
	return problems
}

// findCycle runs a DFS over the dependency edges of one scope and returns
// the first cycle found, or nil.
func findCycle(steps []WorkflowStep) []string {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.Dependencies
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			switch state[dep] {
			case visiting:
				for i, sid := range stack {
					if sid == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, s := range steps {
		if state[s.ID] == unvisited {
			if c := visit(s.ID); c != nil {
				return c
			}
		}
	}
	return nil
}

// Clone returns a deep copy so a registered definition cannot be changed
// through the caller's reference.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	if d == nil {
		return nil
	}
	out := *d
	out.Steps = cloneSteps(d.Steps)
	out.Metadata = cloneMap(d.Metadata)
	return &out
}

func cloneSteps(steps []WorkflowStep) []WorkflowStep {
	if steps == nil {
		return nil
	}
	out := make([]WorkflowStep, len(steps))
	for i, s := range steps {
		c := s
		c.Dependencies = append([]string(nil), s.Dependencies...)
		c.Condition = cloneRule(s.Condition)
		c.WaitCondition = cloneRule(s.WaitCondition)
		c.Parameters = cloneMap(s.Parameters)
		c.Metadata = cloneMap(s.Metadata)
		c.ParallelSteps = cloneSteps(s.ParallelSteps)
		c.LoopSteps = cloneSteps(s.LoopSteps)
		if s.LoopConfig != nil {
			lc := *s.LoopConfig
			lc.Condition = cloneRule(s.LoopConfig.Condition)
			c.LoopConfig = &lc
		}
		out[i] = c
	}
	return out
}

func cloneRule(r *ConditionRule) *ConditionRule {
	if r == nil {
		return nil
	}
	c := *r
	c.Value = cloneValue(r.Value)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func (d Duration) orDefault(def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return time.Duration(d)
}
