package vault

import (
	"context"
	"errors"
	"testing"
)

func TestMemory_Move(t *testing.T) {
	m := NewMemory()
	m.RegisterAsset(Asset{ID: "usdc", Decimals: 6})
	m.Deposit("alice", "usdc", 1_000)
	ctx := context.Background()

	if err := m.Move(ctx, nil, "alice", "bob", "usdc", 400); err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := m.BalanceOf("alice", "usdc"); got != 600 {
		t.Fatalf("expected alice 600 got %d", got)
	}
	if got := m.BalanceOf("bob", "usdc"); got != 400 {
		t.Fatalf("expected bob 400 got %d", got)
	}

	if err := m.Move(ctx, nil, "alice", "bob", "usdc", 601); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := m.Move(ctx, nil, "alice", "bob", "eth", 1); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
	if err := m.Move(ctx, nil, "alice", "alice", "usdc", 1); !errors.Is(err, ErrSameAccount) {
		t.Fatalf("expected ErrSameAccount, got %v", err)
	}
	if err := m.Move(ctx, nil, "alice", "bob", "usdc", 0); err != nil {
		t.Fatalf("zero move should be a no-op, got %v", err)
	}
	if len(m.Transfers) != 1 {
		t.Fatalf("expected 1 recorded transfer, got %d", len(m.Transfers))
	}
}

func TestAsset_Frozen(t *testing.T) {
	if (Asset{ID: "a"}).Frozen() {
		t.Fatal("asset without freeze authority reported frozen")
	}
	if !(Asset{ID: "a", FreezeAuthority: "issuer"}).Frozen() {
		t.Fatal("asset with freeze authority not reported frozen")
	}
}

func TestIsCustody(t *testing.T) {
	for _, owner := range []string{"escrow:a1", CustodyPrefix} {
		if !IsCustody(owner) {
			t.Fatalf("%q should be a custody account", owner)
		}
	}
	for _, owner := range []string{"", "alice", "treasury", "my-escrow:a1"} {
		if IsCustody(owner) {
			t.Fatalf("%q should not be a custody account", owner)
		}
	}
}
