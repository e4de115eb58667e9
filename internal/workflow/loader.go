package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileAgent is the raw YAML shape of one agent entry before kind and
// mode tags are parsed into their closed enums.
type fileAgent struct {
	ID          string              `yaml:"id"`
	Kind        string              `yaml:"kind"`
	Tags        []string            `yaml:"tags"`
	MaxRetries  int                 `yaml:"max_retries"`
	DecisionKey string              `yaml:"decision_key"`
	Routes      map[string][]string `yaml:"routes"`
	Mode        string              `yaml:"mode"`
	Targets     [][]string          `yaml:"targets"`
	Join        string              `yaml:"join"`
	Group       string              `yaml:"group"`
	MaxPolls    int                 `yaml:"max_polls"`
}

type fileWorkflow struct {
	Name   string      `yaml:"name"`
	Queue  []string    `yaml:"queue"`
	Agents []fileAgent `yaml:"agents"`
}

// Load reads a workflow definition file and validates it. YAML is the
// canonical format; JSON files parse as well since YAML is a superset.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return Parse(data)
}

// Parse builds a validated workflow from raw definition bytes.
func Parse(data []byte) (*Workflow, error) {
	var raw fileWorkflow
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return build(&raw)
}

func build(raw *fileWorkflow) (*Workflow, error) {
	wf := &Workflow{
		Name:   raw.Name,
		Queue:  raw.Queue,
		Agents: make(map[string]*AgentSpec, len(raw.Agents)),
	}

	for _, fa := range raw.Agents {
		if fa.ID == "" {
			return nil, &ConfigError{Node: raw.Name, Reason: "agent entry missing id"}
		}
		if wf.Agents[fa.ID] != nil {
			return nil, &ConfigError{Node: fa.ID, Reason: "duplicate agent id"}
		}

		kind, err := ParseKind(fa.Kind)
		if err != nil {
			return nil, &ConfigError{Node: fa.ID, Reason: err.Error()}
		}

		mode := ForkParallel
		switch fa.Mode {
		case "", "parallel":
		case "sequential":
			mode = ForkSequential
		default:
			return nil, &ConfigError{Node: fa.ID, Reason: fmt.Sprintf("unknown fork mode %q", fa.Mode)}
		}

		wf.Agents[fa.ID] = &AgentSpec{
			ID:          fa.ID,
			Kind:        kind,
			Tags:        fa.Tags,
			MaxRetries:  fa.MaxRetries,
			DecisionKey: fa.DecisionKey,
			Routes:      fa.Routes,
			Mode:        mode,
			Targets:     fa.Targets,
			Join:        fa.Join,
			Group:       fa.Group,
			MaxPolls:    fa.MaxPolls,
		}
	}

	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}
