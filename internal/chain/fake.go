package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// FakeProvider is a scripted in-memory provider for tests. Populate the
// exported maps, then hand it to the scanner or a pipeline.
type FakeProvider struct {
	mu sync.Mutex

	// History is the address transaction list, newest first.
	History map[string][]AddressTx
	// UTxOs maps tx hash to its input/output view.
	UTxOs map[string]*TxUTxOs
	// Redeemers maps tx hash to its witness redeemers.
	Redeemers map[string][]RedeemerWitness
	// Spendable maps address to its current unspent outputs.
	Spendable map[string][]UTxO
	// Holders maps asset unit to current holders.
	Holders map[string][]AssetAddress

	Tip Block

	// BuildErr/EvaluateErr/SubmitErr force failures when set.
	BuildErr    error
	EvaluateErr error
	SubmitErr   error

	// Submitted collects the signed transactions passed to SubmitTx.
	Submitted []SignedTx
}

// NewFakeProvider returns an empty scripted provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		History:   make(map[string][]AddressTx),
		UTxOs:     make(map[string]*TxUTxOs),
		Redeemers: make(map[string][]RedeemerWitness),
		Spendable: make(map[string][]UTxO),
		Holders:   make(map[string][]AssetAddress),
		Tip:       Block{Hash: fakeHash("tip"), Height: 1000, Slot: 90000, Time: 1700000000},
	}
}

func (f *FakeProvider) AddressTransactions(_ context.Context, address string, page, count int) ([]AddressTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	history := f.History[address]
	start := (page - 1) * count
	if start >= len(history) {
		return nil, nil
	}
	end := start + count
	if end > len(history) {
		end = len(history)
	}
	out := make([]AddressTx, end-start)
	copy(out, history[start:end])
	return out, nil
}

func (f *FakeProvider) TransactionUTxOs(_ context.Context, hash string) (*TxUTxOs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	utxos, ok := f.UTxOs[hash]
	if !ok {
		return nil, &APIError{Op: "transaction_utxos", Status: 404, Message: "not found"}
	}
	return utxos, nil
}

func (f *FakeProvider) TransactionRedeemers(_ context.Context, hash string) ([]RedeemerWitness, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Redeemers[hash], nil
}

func (f *FakeProvider) AddressUTxOs(_ context.Context, address string) ([]UTxO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Spendable[address], nil
}

func (f *FakeProvider) AssetAddresses(_ context.Context, unit string) ([]AssetAddress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Holders[unit], nil
}

func (f *FakeProvider) LatestBlock(_ context.Context) (*Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tip := f.Tip
	return &tip, nil
}

func (f *FakeProvider) BuildTx(_ context.Context, req BuildRequest) (*UnsignedTx, error) {
	if f.BuildErr != nil {
		return nil, f.BuildErr
	}
	// Deterministic body so tests can assert rebuild-with-budget happened.
	seed := req.ChangeAddress + req.ContractAddress
	if req.Budget != nil {
		seed += "budgeted"
	}
	body := fakeHash(seed)
	return &UnsignedTx{BodyHex: body, Hash: fakeHash(body)}, nil
}

func (f *FakeProvider) EvaluateTx(_ context.Context, bodyHex string) (ExUnits, error) {
	if f.EvaluateErr != nil {
		return ExUnits{}, f.EvaluateErr
	}
	return ExUnits{Mem: 700000, Steps: 300000000}, nil
}

func (f *FakeProvider) SubmitTx(_ context.Context, tx SignedTx) (string, error) {
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Submitted = append(f.Submitted, tx)
	return fakeHash(tx.BodyHex), nil
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

var _ Provider = (*FakeProvider)(nil)
