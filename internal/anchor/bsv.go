package anchor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/bsv-blockchain/go-sdk/script"
	"github.com/bsv-blockchain/go-sdk/transaction"
	"github.com/bsv-blockchain/go-sdk/transaction/broadcaster"
	feemodel "github.com/bsv-blockchain/go-sdk/transaction/fee_model"
	"github.com/bsv-blockchain/go-sdk/transaction/template/p2pkh"
)

const (
	defaultArcURL = "https://arc.taal.com"
	satsPerKB     = 1000
	// An anchor tx is a few hundred bytes; inputs are picked until they
	// cover this much so the rest of the wallet stays untouched.
	inputBudget = 2000
)

// UTXO is a spendable output of the operator address.
type UTXO struct {
	TxID          string
	Vout          uint32
	Satoshis      uint64
	LockingScript string // hex
}

// UTXOProvider lists the unspent outputs of an address.
type UTXOProvider interface {
	GetUTXOs(ctx context.Context, address string) ([]UTXO, error)
}

type BSVConfig struct {
	PrivateKey *ec.PrivateKey
	ArcURL     string
	ArcAPIKey  string
	UTXOs      UTXOProvider
}

// BSVPublisher writes anchors itself: it funds an OP_RETURN transaction
// from the operator key, sends change back to the same address and
// broadcasts through ARC.
type BSVPublisher struct {
	key   *ec.PrivateKey
	addr  *script.Address
	utxos UTXOProvider
	arc   *broadcaster.Arc
	// kept for status output
	arcURL string
}

func NewBSVPublisher(cfg BSVConfig) (*BSVPublisher, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("anchor: native mode needs a private key")
	}
	addr, err := script.NewAddressFromPublicKey(cfg.PrivateKey.PubKey(), true)
	if err != nil {
		return nil, fmt.Errorf("derive address: %w", err)
	}
	b := &BSVPublisher{
		key:    cfg.PrivateKey,
		addr:   addr,
		utxos:  cfg.UTXOs,
		arcURL: cfg.ArcURL,
	}
	if b.arcURL == "" {
		b.arcURL = defaultArcURL
	}
	if b.utxos == nil {
		b.utxos = NewWocUTXOProvider()
	}
	b.arc = &broadcaster.Arc{ApiUrl: b.arcURL, ApiKey: cfg.ArcAPIKey}
	return b, nil
}

// Address is the funding and change address.
func (b *BSVPublisher) Address() string { return b.addr.AddressString }

// selectInputs takes the largest outputs first until inputBudget is covered.
func selectInputs(utxos []UTXO) []UTXO {
	sorted := append([]UTXO(nil), utxos...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Satoshis > sorted[j].Satoshis })
	var sum uint64
	for i, u := range sorted {
		sum += u.Satoshis
		if sum >= inputBudget {
			return sorted[:i+1]
		}
	}
	return sorted
}

func dataScript(pushes [][]byte) (*script.Script, error) {
	s := &script.Script{}
	if err := s.AppendOpcodes(script.OpFALSE, script.OpRETURN); err != nil {
		return nil, err
	}
	if err := s.AppendPushDataArray(pushes); err != nil {
		return nil, err
	}
	return s, nil
}

// BuildTx signs an anchoring transaction for p spending inputs chosen from
// utxos. Output 0 is the OP_RETURN, output 1 the change.
func (b *BSVPublisher) BuildTx(utxos []UTXO, p Payload) (*transaction.Transaction, error) {
	pushes, err := p.Pushes()
	if err != nil {
		return nil, err
	}
	data, err := dataScript(pushes)
	if err != nil {
		return nil, fmt.Errorf("OP_RETURN script: %w", err)
	}
	change, err := p2pkh.Lock(b.addr)
	if err != nil {
		return nil, fmt.Errorf("change script: %w", err)
	}
	unlocker, err := p2pkh.Unlock(b.key, nil)
	if err != nil {
		return nil, fmt.Errorf("unlocker: %w", err)
	}

	tx := transaction.NewTransaction()
	for _, u := range selectInputs(utxos) {
		if err := tx.AddInputFrom(u.TxID, u.Vout, u.LockingScript, u.Satoshis, unlocker); err != nil {
			return nil, fmt.Errorf("input %s:%d: %w", u.TxID, u.Vout, err)
		}
	}
	tx.AddOutput(&transaction.TransactionOutput{LockingScript: data})
	tx.AddOutput(&transaction.TransactionOutput{LockingScript: change, Change: true})

	if err := tx.Fee(&feemodel.SatoshisPerKilobyte{Satoshis: satsPerKB}, transaction.ChangeDistributionEqual); err != nil {
		return nil, fmt.Errorf("fee: %w", err)
	}
	if err := tx.Sign(); err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return tx, nil
}

// Publish funds and broadcasts the anchor for p. An empty wallet and a
// double-spend rejection are both reported as retryable.
func (b *BSVPublisher) Publish(ctx context.Context, p Payload) (*Result, error) {
	utxos, err := b.utxos.GetUTXOs(ctx, b.Address())
	if err != nil {
		return nil, fmt.Errorf("list utxos: %w", err)
	}
	if len(utxos) == 0 {
		return &Result{Error: "no UTXOs to fund anchors from " + b.Address(), Action: ActionRetry}, nil
	}

	tx, err := b.BuildTx(utxos, p)
	if err != nil {
		return nil, err
	}
	txid := tx.TxID().String()
	log.Printf("[anchor] Draw #%d %s anchor %s (%d bytes, %d inputs)", p.DrawNumber, p.Kind, txid, len(tx.Bytes()), len(tx.Inputs))

	ok, fail := tx.Broadcast(b.arc)
	if fail != nil {
		res := &Result{Error: fail.Description, Action: ActionDone}
		if isUTXOContention(fail.Description) {
			res.Action = ActionRetry
		}
		return res, nil
	}
	return &Result{Success: true, Txid: ok.Txid, Action: ActionDone}, nil
}

var contentionMarkers = []string{"utxo_spent", "txn-mempool-conflict", "missing inputs", "double spend"}

// isUTXOContention reports whether ARC rejected the tx because an input was
// spent by someone else in the meantime.
func isUTXOContention(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range contentionMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
