package workflow

import "fmt"

// Kind is the closed set of agent kinds the scheduler dispatches on.
type Kind int

const (
	KindNormal Kind = iota
	KindRouter
	KindFork
	KindJoin
	KindMemoryRead
	KindMemoryWrite
)

func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindRouter:
		return "router"
	case KindFork:
		return "fork"
	case KindJoin:
		return "join"
	case KindMemoryRead:
		return "memory_read"
	case KindMemoryWrite:
		return "memory_write"
	default:
		return "unknown"
	}
}

// ParseKind maps a config tag to a Kind. Hyphenated spellings are
// accepted for compatibility with older workflow files.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "normal":
		return KindNormal, nil
	case "router":
		return KindRouter, nil
	case "fork":
		return KindFork, nil
	case "join":
		return KindJoin, nil
	case "memory_read", "memory-read":
		return KindMemoryRead, nil
	case "memory_write", "memory-write":
		return KindMemoryWrite, nil
	default:
		return KindNormal, fmt.Errorf("unknown agent kind %q", s)
	}
}

// ForkMode selects how fork branches are launched.
type ForkMode int

const (
	ForkParallel ForkMode = iota
	ForkSequential
)

func (m ForkMode) String() string {
	if m == ForkSequential {
		return "sequential"
	}
	return "parallel"
}

// AgentSpec is the static descriptor of one agent node. Only the
// fields relevant to its kind are populated.
type AgentSpec struct {
	ID   string
	Kind Kind
	Tags []string

	// Normal agents
	MaxRetries int

	// Router agents
	DecisionKey string
	Routes      map[string][]string

	// Fork agents
	Mode    ForkMode
	Targets [][]string
	Join    string

	// Join agents
	Group    string
	MaxPolls int
}

// HasTag reports whether the agent carries a capability tag.
func (a *AgentSpec) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Workflow is a validated set of agent descriptors plus the initial
// execution queue.
type Workflow struct {
	Name   string
	Queue  []string
	Agents map[string]*AgentSpec
}

// Agent returns the descriptor for id, or nil when unknown.
func (w *Workflow) Agent(id string) *AgentSpec {
	return w.Agents[id]
}

// ConfigError marks missing or contradictory per-agent configuration.
// It is fatal: the run aborts and the error propagates to the caller.
type ConfigError struct {
	Node   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error on %q: %s", e.Node, e.Reason)
}

// Validate enforces the structural invariants every runnable workflow
// must satisfy. It returns the first violation as a ConfigError.
func (w *Workflow) Validate() error {
	if len(w.Queue) == 0 {
		return &ConfigError{Node: w.Name, Reason: "empty initial queue"}
	}
	for _, id := range w.Queue {
		if w.Agents[id] == nil {
			return &ConfigError{Node: id, Reason: "queued agent has no descriptor"}
		}
	}
	for id, a := range w.Agents {
		if a.ID == "" {
			a.ID = id
		}
		switch a.Kind {
		case KindRouter:
			if a.DecisionKey == "" {
				return &ConfigError{Node: id, Reason: "router requires a decision_key"}
			}
		case KindFork:
			if len(a.Targets) == 0 {
				return &ConfigError{Node: id, Reason: "fork requires at least one target branch"}
			}
			for i, branch := range a.Targets {
				if len(branch) == 0 {
					return &ConfigError{Node: id, Reason: fmt.Sprintf("fork branch %d is empty", i)}
				}
				for _, member := range branch {
					if w.Agents[member] == nil {
						return &ConfigError{Node: id, Reason: fmt.Sprintf("fork targets unknown agent %q", member)}
					}
				}
			}
		case KindJoin:
			if a.MaxPolls < 0 {
				return &ConfigError{Node: id, Reason: "max_polls must be non-negative"}
			}
		}
	}
	return nil
}
