package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/outbox"
	"escrowflow/test/fakedb"
	"escrowflow/test/infra"
	"escrowflow/timeline"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []outbox.Message
	fail map[string]bool
}

func (p *recordingPublisher) Publish(_ context.Context, msg outbox.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[msg.Topic] {
		return errors.New("subscriber unavailable")
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func TestRelay_BeginError(t *testing.T) {
	pool := &fakedb.Pool{BeginErr: errors.New("pool exhausted")}
	relay := outbox.NewRelay(pool, &recordingPublisher{}, outbox.Config{}, nil)

	_, err := relay.Drain(context.Background())
	require.ErrorContains(t, err, "pool exhausted")
}

func TestRelay_DrainAgainstPostgres(t *testing.T) {
	pool := infra.OpenTestDB(t)
	ctx := context.Background()

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	journal := timeline.NewJournal()
	require.NoError(t, journal.Append(ctx, tx, timeline.Event{AgreementID: "a1", Type: "EscrowCreated", ActorID: "alice"}))
	require.NoError(t, journal.Append(ctx, tx, timeline.Event{AgreementID: "a1", Type: "MilestoneApproved", ActorID: "alice", Payload: map[string]any{"index": 0}}))
	require.NoError(t, journal.Append(ctx, tx, timeline.Event{Type: "FeeConfigUpdated", ActorID: "authority"}))
	require.NoError(t, tx.Commit(ctx))

	pub := &recordingPublisher{fail: map[string]bool{"escrow.fee_config_updated": true}}
	relay := outbox.NewRelay(pool, pub, outbox.Config{BatchSize: 10, MaxAttempts: 2}, nil)

	stats, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{Processed: 2, Retried: 1}, stats)

	require.Len(t, pub.msgs, 2)
	byTopic := map[string]outbox.Message{}
	for _, m := range pub.msgs {
		byTopic[m.Topic] = m
	}
	require.Contains(t, byTopic, "escrow.escrow_created")
	require.Contains(t, byTopic, "escrow.milestone_approved")
	assert.Equal(t, "a1", byTopic["escrow.escrow_created"].AgreementID)
	assert.Contains(t, string(byTopic["escrow.milestone_approved"].Payload), `"index"`)

	stats, err = relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{Dead: 1}, stats)

	stats, err = relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{}, stats)

	var processed, dead int
	require.NoError(t, pool.QueryRow(ctx, `SELECT
		COUNT(*) FILTER (WHERE status = 'processed'),
		COUNT(*) FILTER (WHERE status = 'dead')
		FROM outbox`).Scan(&processed, &dead))
	assert.Equal(t, 2, processed)
	assert.Equal(t, 1, dead)
}

func TestRelay_RunFeedsHub(t *testing.T) {
	pool := infra.OpenTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := outbox.NewHub(4, nil)
	relay := outbox.NewRelay(pool, hub, outbox.Config{BatchSize: 1}, nil)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, timeline.NewJournal().Append(ctx, tx, timeline.Event{AgreementID: "a1", Type: "MilestoneReleased", Payload: map[string]any{"index": i}}))
	}
	require.NoError(t, tx.Commit(ctx))

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		var pending int
		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE status = 'pending'`).Scan(&pending); err != nil {
			return false
		}
		return pending == 0
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
