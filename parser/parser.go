// Package parser reads and writes the portable YAML form of a flow.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/songzhibin97/txflow-engine/types"
	"gopkg.in/yaml.v3"
)

// Version is the document version written by Marshal.
const Version = "1"

// ErrNotPortable is returned by Marshal for flows with inline specs or match funcs.
var ErrNotPortable = errors.New("flow is not portable")

// ParseError represents a parsing error with location info.
type ParseError struct {
	Path    string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

type document struct {
	Version string  `yaml:"version"`
	Flow    flowDoc `yaml:"flow"`
}

type flowDoc struct {
	ID          string            `yaml:"id"`
	Description string            `yaml:"description,omitempty"`
	Variables   map[string]string `yaml:"variables,omitempty"`
	Steps       []stepEntry       `yaml:"steps"`
}

type stepEntry struct {
	Step stepDoc `yaml:"step"`
	line int
}

// UnmarshalYAML keeps the line of the entry for error reporting.
func (e *stepEntry) UnmarshalYAML(node *yaml.Node) error {
	type plain stepEntry
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*e = stepEntry(p)
	e.line = node.Line
	return nil
}

type stepDoc struct {
	ID          string        `yaml:"id"`
	Description string        `yaml:"description,omitempty"`
	Signer      string        `yaml:"signer,omitempty"`
	DependsOn   []depDoc      `yaml:"depends_on,omitempty"`
	Retry       *retryDoc     `yaml:"retry,omitempty"`
	Tx          *types.TxPlan `yaml:"tx"`
}

type depDoc struct {
	FromStep  string `yaml:"from_step"`
	Strategy  string `yaml:"strategy,omitempty"`
	UtxoIndex *int   `yaml:"utxo_index,omitempty"`
	Predicate string `yaml:"predicate,omitempty"`
}

type retryDoc struct {
	MaxAttempts  int    `yaml:"max_attempts"`
	Backoff      string `yaml:"backoff,omitempty"`
	InitialDelay string `yaml:"initial_delay,omitempty"`
	MaxDelay     string `yaml:"max_delay,omitempty"`
}

// ParseFile parses a flow document from a file.
func ParseFile(path string) (*types.Flow, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path is a user-provided flow file
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data, path)
}

// Parse parses a flow document and validates the resulting flow.
func Parse(data []byte, sourcePath string) (*types.Flow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ParseError{Path: sourcePath, Line: 1, Message: "empty flow document"}
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Path: sourcePath, Message: fmt.Sprintf("invalid yaml: %v", err)}
	}
	switch doc.Version {
	case "1", "1.0":
	case "":
		return nil, &ParseError{Path: sourcePath, Message: "missing version"}
	default:
		return nil, &ParseError{Path: sourcePath, Message: fmt.Sprintf("unsupported version %q", doc.Version)}
	}

	flow := &types.Flow{
		ID:          doc.Flow.ID,
		Description: doc.Flow.Description,
		Variables:   doc.Flow.Variables,
	}
	for _, entry := range doc.Flow.Steps {
		step, err := entry.Step.toStep()
		if err != nil {
			return nil, &ParseError{Path: sourcePath, Line: entry.line, Message: err.Error()}
		}
		flow.Steps = append(flow.Steps, step)
	}

	if err := flow.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", sourcePath, err)
	}
	return flow, nil
}

func (s stepDoc) toStep() (types.Step, error) {
	step := types.Step{
		ID:          s.ID,
		Description: s.Description,
		Signer:      s.Signer,
	}
	if s.Tx == nil {
		return step, fmt.Errorf("step %s: missing tx block", s.ID)
	}
	step.Spec = s.Tx

	for _, d := range s.DependsOn {
		dep := types.Dependency{
			FromStep:  d.FromStep,
			Strategy:  types.SelectionStrategy(d.Strategy),
			Predicate: d.Predicate,
		}
		if dep.Strategy == "" {
			dep.Strategy = types.SelectAll
		}
		if d.UtxoIndex != nil {
			dep.UtxoIndex = *d.UtxoIndex
		} else if dep.Strategy == types.SelectIndex {
			return step, fmt.Errorf("step %s: dependency on %s needs utxo_index", s.ID, d.FromStep)
		}
		step.DependsOn = append(step.DependsOn, dep)
	}

	if s.Retry != nil {
		policy, err := s.Retry.toPolicy()
		if err != nil {
			return step, fmt.Errorf("step %s: %w", s.ID, err)
		}
		step.Retry = &policy
	}
	return step, nil
}

func (r retryDoc) toPolicy() (types.RetryPolicy, error) {
	p := types.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		Backoff:     types.BackoffStrategy(r.Backoff),
	}
	if p.Backoff == "" {
		p.Backoff = types.BackoffFixed
	}
	var err error
	if r.InitialDelay != "" {
		if p.InitialDelay, err = time.ParseDuration(r.InitialDelay); err != nil {
			return p, fmt.Errorf("invalid initial_delay: %w", err)
		}
	}
	if r.MaxDelay != "" {
		if p.MaxDelay, err = time.ParseDuration(r.MaxDelay); err != nil {
			return p, fmt.Errorf("invalid max_delay: %w", err)
		}
	}
	return p, nil
}

// Marshal serializes a portable flow. Flows with inline specs or inline match
// functions return ErrNotPortable.
func Marshal(flow *types.Flow) ([]byte, error) {
	doc := document{
		Version: Version,
		Flow: flowDoc{
			ID:          flow.ID,
			Description: flow.Description,
			Variables:   flow.Variables,
		},
	}
	for _, s := range flow.Steps {
		plan, ok := s.Spec.(*types.TxPlan)
		if !ok {
			return nil, fmt.Errorf("%w: step %s has an inline spec", ErrNotPortable, s.ID)
		}
		sd := stepDoc{
			ID:          s.ID,
			Description: s.Description,
			Signer:      s.Signer,
			Tx:          plan,
		}
		for _, d := range s.DependsOn {
			if d.Match != nil {
				return nil, fmt.Errorf("%w: step %s selects from %s with a match func",
					ErrNotPortable, s.ID, d.FromStep)
			}
			dd := depDoc{FromStep: d.FromStep, Strategy: string(d.Strategy), Predicate: d.Predicate}
			if d.Strategy == types.SelectIndex {
				idx := d.UtxoIndex
				dd.UtxoIndex = &idx
			}
			sd.DependsOn = append(sd.DependsOn, dd)
		}
		if s.Retry != nil {
			rd := &retryDoc{MaxAttempts: s.Retry.MaxAttempts, Backoff: string(s.Retry.Backoff)}
			if s.Retry.InitialDelay > 0 {
				rd.InitialDelay = s.Retry.InitialDelay.String()
			}
			if s.Retry.MaxDelay > 0 {
				rd.MaxDelay = s.Retry.MaxDelay.String()
			}
			sd.Retry = rd
		}
		doc.Flow.Steps = append(doc.Flow.Steps, stepEntry{Step: sd})
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode flow %s: %w", flow.ID, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
