package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/wire"
)

// StepContext is the runtime context handed to a step specification.
type StepContext struct {
	FlowID    string
	StepID    string
	Attempt   int               // flow attempt, 1 on the first run
	Variables map[string]string // flow variables
	Inputs    []Output          // candidate inputs selected by the step's dependencies
	Upstream  map[string][]Output
}

// StepSpec produces the transaction request for a step.
// InlineSpec and *TxPlan are the two implementations.
type StepSpec interface {
	Resolve(sc StepContext) (*TxRequest, error)
}

// InlineSpec is an opaque callback spec. It cannot be serialized.
type InlineSpec func(sc StepContext) (*TxRequest, error)

// Resolve implements StepSpec.
func (f InlineSpec) Resolve(sc StepContext) (*TxRequest, error) {
	return f(sc)
}

// TxPlan is a portable, fully data-described transaction specification.
// String fields may contain ${name} placeholders filled from flow variables.
type TxPlan struct {
	From          string            `json:"from" yaml:"from"`
	ChangeAddress string            `json:"change_address,omitempty" yaml:"change_address,omitempty"`
	Fee           string            `json:"fee,omitempty" yaml:"fee,omitempty"`
	Payments      []Payment         `json:"payments,omitempty" yaml:"payments,omitempty"`
	Mints         []Mint            `json:"mints,omitempty" yaml:"mints,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Payment pays an amount to an address, optionally with an inline datum.
type Payment struct {
	Address string `json:"address" yaml:"address"`
	Amount  string `json:"amount" yaml:"amount"`
	Datum   string `json:"datum,omitempty" yaml:"datum,omitempty"`
}

// Mint mints or burns (negative quantity) an asset under a policy.
type Mint struct {
	Policy   string `json:"policy" yaml:"policy"`
	Asset    string `json:"asset" yaml:"asset"`
	Quantity string `json:"quantity" yaml:"quantity"`
}

// TxRequest is the resolved description the transaction builder works from.
type TxRequest struct {
	FlowID        string
	StepID        string
	From          string
	ChangeAddress string
	Fee           int64 // 0 lets the builder choose
	Payments      []PaymentRequest
	Mints         []MintRequest
	Metadata      map[string]string

	// Filled by the executor.
	Inputs  []Output        // candidate inputs from dependencies, possibly unconfirmed
	Exclude []wire.OutPoint // outpoints already spent by pending steps of this attempt
	Signer  string
}

// PaymentRequest is a resolved Payment.
type PaymentRequest struct {
	Address string
	Amount  int64
	Datum   []byte
}

// MintRequest is a resolved Mint.
type MintRequest struct {
	Policy   string
	Asset    string
	Quantity int64
}

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)\}`)

// Substitute replaces ${name} placeholders with values from vars.
// An unknown name is an error.
func Substitute(s string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined variable(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Resolve implements StepSpec.
func (p *TxPlan) Resolve(sc StepContext) (*TxRequest, error) {
	sub := func(field, v string) (string, error) {
		out, err := Substitute(v, sc.Variables)
		if err != nil {
			return "", fmt.Errorf("%s: %w", field, err)
		}
		return out, nil
	}
	amount := func(field, v string) (int64, error) {
		s, err := sub(field, v)
		if err != nil {
			return 0, err
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid amount %q", field, s)
		}
		return n, nil
	}

	req := &TxRequest{FlowID: sc.FlowID, StepID: sc.StepID}
	var err error
	if req.From, err = sub("from", p.From); err != nil {
		return nil, err
	}
	if req.ChangeAddress, err = sub("change_address", p.ChangeAddress); err != nil {
		return nil, err
	}
	if p.Fee != "" {
		if req.Fee, err = amount("fee", p.Fee); err != nil {
			return nil, err
		}
	}

	for i, pay := range p.Payments {
		field := fmt.Sprintf("payments[%d]", i)
		var pr PaymentRequest
		if pr.Address, err = sub(field+".address", pay.Address); err != nil {
			return nil, err
		}
		if pr.Amount, err = amount(field+".amount", pay.Amount); err != nil {
			return nil, err
		}
		if pr.Amount <= 0 {
			return nil, fmt.Errorf("%s.amount must be positive", field)
		}
		datum, err := sub(field+".datum", pay.Datum)
		if err != nil {
			return nil, err
		}
		if datum != "" {
			pr.Datum = []byte(datum)
		}
		req.Payments = append(req.Payments, pr)
	}

	for i, m := range p.Mints {
		field := fmt.Sprintf("mints[%d]", i)
		var mr MintRequest
		if mr.Policy, err = sub(field+".policy", m.Policy); err != nil {
			return nil, err
		}
		if mr.Asset, err = sub(field+".asset", m.Asset); err != nil {
			return nil, err
		}
		if mr.Quantity, err = amount(field+".quantity", m.Quantity); err != nil {
			return nil, err
		}
		req.Mints = append(req.Mints, mr)
	}

	if len(p.Metadata) > 0 {
		req.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			if req.Metadata[k], err = sub("metadata."+k, v); err != nil {
				return nil, err
			}
		}
	}
	return req, nil
}
