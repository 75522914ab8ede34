package vault

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

// Memory is an in-process Vault for tests and local tooling. It ignores the
// transaction argument, so callers that roll back must not rely on it undoing moves.
type Memory struct {
	mu        sync.Mutex
	assets    map[string]Asset
	balances  map[string]map[string]uint64
	Transfers []Transfer
}

func NewMemory() *Memory {
	return &Memory{
		assets:   make(map[string]Asset),
		balances: make(map[string]map[string]uint64),
	}
}

func (m *Memory) RegisterAsset(asset Asset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[asset.ID] = asset
}

func (m *Memory) Deposit(owner, assetID string, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(owner)[assetID] += amount
}

func (m *Memory) Asset(_ context.Context, _ pgx.Tx, assetID string) (Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	asset, ok := m.assets[assetID]
	if !ok {
		return Asset{}, ErrUnknownAsset
	}
	return asset, nil
}

func (m *Memory) Balance(_ context.Context, _ pgx.Tx, owner, assetID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[owner][assetID], nil
}

// BalanceOf is Balance without the transaction plumbing.
func (m *Memory) BalanceOf(owner, assetID string) uint64 {
	b, _ := m.Balance(context.Background(), nil, owner, assetID)
	return b
}

func (m *Memory) Move(_ context.Context, _ pgx.Tx, from, to, assetID string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if amount > MaxAmount {
		return ErrInvalidAmount
	}
	if from == to {
		return ErrSameAccount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[assetID]; !ok {
		return ErrUnknownAsset
	}
	src := m.account(from)
	if src[assetID] < amount {
		return ErrInsufficientBalance
	}
	src[assetID] -= amount
	m.account(to)[assetID] += amount
	m.Transfers = append(m.Transfers, Transfer{From: from, To: to, Asset: assetID, Amount: amount})
	return nil
}

func (m *Memory) account(owner string) map[string]uint64 {
	acct, ok := m.balances[owner]
	if !ok {
		acct = make(map[string]uint64)
		m.balances[owner] = acct
	}
	return acct
}
