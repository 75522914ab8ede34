package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/certificate"
	"escrowflow/feeconfig"
	"escrowflow/test/infra"
	"escrowflow/timeline"
	"escrowflow/vault"
)

func inTx(t *testing.T, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) {
	t.Helper()
	ctx := context.Background()
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	require.NoError(t, fn(tx))
	require.NoError(t, tx.Commit(ctx))
}

func seedLedger(t *testing.T, pool *pgxpool.Pool, ledger *vault.Ledger) {
	t.Helper()
	ctx := context.Background()
	inTx(t, pool, func(tx pgx.Tx) error {
		if err := ledger.RegisterAsset(ctx, tx, usdc()); err != nil {
			return err
		}
		if err := ledger.Deposit(ctx, tx, "alice", "usdc", 1_000_000); err != nil {
			return err
		}
		return feeconfig.NewRepository().Insert(ctx, tx, testConfig())
	})
}

func TestPGRepository_RoundTrip(t *testing.T) {
	pool := infra.OpenTestDB(t)
	ctx := context.Background()
	repo := NewRepository()
	seedLedger(t, pool, vault.NewLedger())

	a := mustAgreement(t, 400_000, 600_000)
	a.Milestones.setStatus(0, MilestoneApproved)
	inTx(t, pool, func(tx pgx.Tx) error { return repo.Insert(ctx, tx, a) })

	var got *Agreement
	inTx(t, pool, func(tx pgx.Tx) (err error) {
		got, err = repo.GetForUpdate(ctx, tx, a.ID)
		return err
	})
	assert.Equal(t, a.Payer, got.Payer)
	assert.Equal(t, a.TotalAmount, got.TotalAmount)
	assert.Equal(t, a.ExpiresAt, got.ExpiresAt)
	assert.Equal(t, uint16(250), got.FeeBpsAtCreation)
	require.Equal(t, 2, got.Milestones.Len())
	assert.Equal(t, MilestoneApproved, got.Milestones.All()[0].Status)
	assert.Nil(t, got.Dispute)

	// Duplicate payer and seed.
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, repo.Insert(ctx, tx, a), ErrAlreadyExists)
	_ = tx.Rollback(ctx)

	got.Status = StatusDisputed
	got.Dispute = &Dispute{Initiator: "bob", ReasonHash: Hash{1, 2, 3}, InitiatedAt: t0.Add(time.Hour), TimeoutSeconds: 3600}
	got.Dispute.Resolution = &Resolution{Kind: SplitWin, PayerBps: 2_500}
	got.CertificateHandle = "cert-x"
	got.UpdatedAt = t0.Add(time.Hour)
	inTx(t, pool, func(tx pgx.Tx) error { return repo.Update(ctx, tx, got) })

	var again *Agreement
	inTx(t, pool, func(tx pgx.Tx) (err error) {
		again, err = repo.Get(ctx, tx, a.ID)
		return err
	})
	require.NotNil(t, again.Dispute)
	assert.Equal(t, Hash{1, 2, 3}, again.Dispute.ReasonHash)
	assert.Equal(t, got.Dispute.Deadline(), again.Dispute.Deadline())
	assert.Equal(t, Resolution{Kind: SplitWin, PayerBps: 2_500}, *again.Dispute.Resolution)
	assert.Equal(t, "cert-x", again.CertificateHandle)

	inTx(t, pool, func(tx pgx.Tx) error { return repo.Delete(ctx, tx, a.ID) })
	inTx(t, pool, func(tx pgx.Tx) error {
		_, err := repo.Get(ctx, tx, a.ID)
		assert.ErrorIs(t, err, ErrAgreementNotFound)
		var n int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM milestones WHERE agreement_id = $1`, a.ID).Scan(&n); err != nil {
			return err
		}
		assert.Zero(t, n, "milestones must cascade")
		return nil
	})
}

func TestPGService_Lifecycle(t *testing.T) {
	pool := infra.OpenTestDB(t)
	ctx := context.Background()
	ledger := vault.NewLedger()
	registry := certificate.NewRegistry()
	seedLedger(t, pool, ledger)

	now := t0
	svc := NewService(pool, NewRepository(), feeconfig.NewRepository(), ledger, registry, timeline.NewJournal(), nil).
		WithClock(func() time.Time { return now })

	balance := func(owner string) uint64 {
		var v uint64
		inTx(t, pool, func(tx pgx.Tx) (err error) {
			v, err = ledger.Balance(ctx, tx, owner, "usdc")
			return err
		})
		return v
	}

	a, err := svc.Create(ctx, createParams(400_000, 300_000, 300_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), balance(a.Custody()))

	_, err = svc.Create(ctx, createParams(400_000, 300_000, 300_000))
	require.ErrorIs(t, err, ErrAlreadyExists)

	_, err = svc.ApproveMilestone(ctx, a.ID, "alice", 0)
	require.NoError(t, err)

	work, err := svc.PendingWork(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []MilestoneRef{{AgreementID: a.ID, Index: 0}}, work.Releasable)

	_, err = svc.ReleaseMilestone(ctx, a.ID, "keeper", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(390_000), balance("bob"))
	assert.Equal(t, uint64(10_000), balance("treasury"))

	now = now.Add(time.Hour)
	_, err = svc.InitiateDispute(ctx, a.ID, "bob", Hash{9})
	require.NoError(t, err)
	got, err := svc.ResolveDispute(ctx, a.ID, "authority", Resolution{Kind: SplitWin, PayerBps: 5_000})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	// 600k remaining: 300k back to alice, 300k to bob less 2.5%.
	assert.Equal(t, uint64(300_000), balance("alice"))
	assert.Equal(t, uint64(390_000+292_500), balance("bob"))
	assert.Equal(t, uint64(10_000+7_500), balance("treasury"))
	assert.Zero(t, balance(a.Custody()))

	swept, err := svc.CloseEscrow(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.Zero(t, swept)
	_, err = svc.Get(ctx, a.ID)
	require.ErrorIs(t, err, ErrAgreementNotFound)

	var events, messages int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM timeline_events WHERE agreement_id = $1`, a.ID).Scan(&events))
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&messages))
	assert.GreaterOrEqual(t, events, 6)
	assert.Equal(t, events, messages)
}

func TestPGService_CertificateFlow(t *testing.T) {
	pool := infra.OpenTestDB(t)
	ctx := context.Background()
	ledger := vault.NewLedger()
	registry := certificate.NewRegistry()
	seedLedger(t, pool, ledger)

	now := t0
	svc := NewService(pool, NewRepository(), feeconfig.NewRepository(), ledger, registry, timeline.NewJournal(), nil).
		WithClock(func() time.Time { return now })
	certs := certificate.NewService(pool, registry, timeline.NewJournal(), nil)

	a, err := svc.Create(ctx, createParams(1_000_000))
	require.NoError(t, err)
	a, err = svc.MintCertificate(ctx, a.ID, "bob")
	require.NoError(t, err)
	require.NotEmpty(t, a.CertificateHandle)

	require.NoError(t, certs.Transfer(ctx, a.CertificateHandle, "bob", "carol"))

	work, err := svc.PendingWork(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, work.Unsynced)

	_, err = svc.ApproveMilestone(ctx, a.ID, "alice", 0)
	require.NoError(t, err)
	_, err = svc.ReleaseMilestone(ctx, a.ID, "keeper", 0)
	require.ErrorIs(t, err, ErrBeneficiaryNotSynced)

	synced, err := svc.SyncBeneficiary(ctx, a.ID, "keeper")
	require.NoError(t, err)
	assert.Equal(t, "carol", synced.Beneficiary)

	_, err = svc.ReleaseMilestone(ctx, a.ID, "keeper", 0)
	require.NoError(t, err)

	var carol uint64
	inTx(t, pool, func(tx pgx.Tx) (err error) {
		carol, err = ledger.Balance(ctx, tx, "carol", "usdc")
		return err
	})
	assert.Equal(t, uint64(975_000), carol)

	var transferred int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM timeline_events WHERE agreement_id = $1 AND type = 'CertificateTransferred'`, a.ID).Scan(&transferred))
	assert.Equal(t, 1, transferred)
}
