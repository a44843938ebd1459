package types

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/wire"
)

// Flow defines a chain of dependent transaction steps executed as a unit.
type Flow struct {
	ID          string            `json:"id"`
	Description string            `json:"description,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Steps       []Step            `json:"steps"`
}

// Step is one transaction-producing unit of a flow.
type Step struct {
	ID          string       `json:"id"`
	Description string       `json:"description,omitempty"`
	DependsOn   []Dependency `json:"depends_on,omitempty"`
	Spec        StepSpec     `json:"-"`
	Signer      string       `json:"signer,omitempty"` // key reference handed to the builder
	Retry       *RetryPolicy `json:"retry,omitempty"`  // overrides the executor policy when set
}

// SelectionStrategy decides which outputs of an upstream step become candidate inputs.
type SelectionStrategy string

const (
	SelectAll       SelectionStrategy = "all"
	SelectIndex     SelectionStrategy = "index"
	SelectPredicate SelectionStrategy = "predicate"
)

// Dependency references an upstream step and the outputs taken from it.
type Dependency struct {
	FromStep  string            `json:"from_step" yaml:"from_step"`
	Strategy  SelectionStrategy `json:"strategy" yaml:"strategy"`
	UtxoIndex int               `json:"utxo_index,omitempty" yaml:"utxo_index,omitempty"`
	Predicate string            `json:"predicate,omitempty" yaml:"predicate,omitempty"` // expr expression over an output
	Match     func(Output) bool `json:"-" yaml:"-"`
}

// DependsOnAll selects every output of the upstream step.
func DependsOnAll(stepID string) Dependency {
	return Dependency{FromStep: stepID, Strategy: SelectAll}
}

// DependsOnIndex selects the upstream output with the given output index.
func DependsOnIndex(stepID string, index int) Dependency {
	return Dependency{FromStep: stepID, Strategy: SelectIndex, UtxoIndex: index}
}

// DependsOnPredicate selects upstream outputs matching an expr expression.
// The expression sees address, amount, index, datum and tx_hash.
func DependsOnPredicate(stepID, expression string) Dependency {
	return Dependency{FromStep: stepID, Strategy: SelectPredicate, Predicate: expression}
}

// DependsOnFunc selects upstream outputs with an inline match function.
// Dependencies built this way cannot be serialized.
func DependsOnFunc(stepID string, match func(Output) bool) Dependency {
	return Dependency{FromStep: stepID, Strategy: SelectPredicate, Match: match}
}

// Output is a transaction output, confirmed or still pending.
type Output struct {
	OutPoint wire.OutPoint `json:"outpoint"`
	Address  string        `json:"address"`
	Amount   int64         `json:"amount"`
	Datum    []byte        `json:"datum,omitempty"`
}

// DatumHex returns the inline datum hex encoded.
func (o Output) DatumHex() string {
	return hex.EncodeToString(o.Datum)
}
