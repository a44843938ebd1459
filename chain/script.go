package chain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/songzhibin97/txflow-engine/types"
)

// Locking scripts of the simulated ledger are plain data pushes:
// <address> [<datum>]. Null-data outputs carry a commitment and are unspendable.

var errBadScript = errors.New("malformed locking script")

// LockScript builds the locking script paying to address with an optional inline datum.
func LockScript(address string, datum []byte) ([]byte, error) {
	if address == "" {
		return nil, errors.New("empty address")
	}
	b := txscript.NewScriptBuilder().AddData([]byte(address))
	if len(datum) > 0 {
		b.AddData(datum)
	}
	return b.Script()
}

// ParseLockScript returns the address and datum of a locking script.
func ParseLockScript(pkScript []byte) (string, []byte, error) {
	if txscript.GetScriptClass(pkScript) == txscript.NullDataTy {
		return "", nil, errBadScript
	}
	pushes, err := txscript.PushedData(pkScript)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", errBadScript, err)
	}
	switch len(pushes) {
	case 1:
		return string(pushes[0]), nil, nil
	case 2:
		return string(pushes[0]), pushes[1], nil
	default:
		return "", nil, errBadScript
	}
}

// signerScript is the placeholder unlocking script naming the signer.
func signerScript(signer string) ([]byte, error) {
	if signer == "" {
		signer = "anonymous"
	}
	return txscript.NewScriptBuilder().AddData([]byte(signer)).Script()
}

// commitmentScript commits to the request's metadata and mints in a null-data output.
// It returns nil when there is nothing to commit.
func commitmentScript(req *types.TxRequest) ([]byte, error) {
	if len(req.Metadata) == 0 && len(req.Mints) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(struct {
		Metadata map[string]string   `json:"metadata,omitempty"`
		Mints    []types.MintRequest `json:"mints,omitempty"`
	}{req.Metadata, req.Mints})
	if err != nil {
		return nil, err
	}
	digest := chainhash.HashB(payload)
	return txscript.NullDataScript(digest)
}
