package feeconfig

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"

	"escrowflow/test/infra"
	"escrowflow/timeline"
)

func TestPGRepository_Singleton(t *testing.T) {
	pool := infra.OpenTestDB(t)
	ctx := context.Background()
	svc := NewService(pool, NewRepository(), timeline.NewJournal(), nil)

	if _, err := svc.Get(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := svc.Initialize(ctx, InitParams{Authority: "authority", FeeCollector: "treasury", FeeBps: 250, DisputeTimeoutSeconds: 3600}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := svc.Initialize(ctx, InitParams{Authority: "other", FeeCollector: "treasury", FeeBps: 1, DisputeTimeoutSeconds: 60}); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}

	fee := 300
	cfg, err := svc.Update(ctx, UpdateParams{Caller: "authority", NewFeeBps: &fee})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if cfg.FeeBps != 300 || cfg.DisputeTimeoutSeconds != 3600 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	stored, err := svc.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.FeeBps != 300 || stored.Authority != "authority" {
		t.Fatalf("update not persisted: %+v", stored)
	}

	var events int
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `SELECT COUNT(*) FROM timeline_events WHERE agreement_id IS NULL`).Scan(&events)
	})
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 2 {
		t.Fatalf("expected initialize and update events, got %d", events)
	}
}
