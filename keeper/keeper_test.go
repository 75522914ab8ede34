package keeper

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/escrow"
)

type call struct {
	op    string
	id    string
	index int
}

type fakeCranker struct {
	mu      sync.Mutex
	work    escrow.Work
	workErr error
	errs    map[string]error
	calls   []call
}

func (f *fakeCranker) PendingWork(context.Context, int) (escrow.Work, error) {
	return f.work, f.workErr
}

func (f *fakeCranker) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.errs[c.op+":"+c.id]
}

func (f *fakeCranker) ClaimExpired(_ context.Context, id, caller string) (*escrow.Agreement, error) {
	return nil, f.record(call{op: "claim", id: id})
}

func (f *fakeCranker) ReleaseMilestone(_ context.Context, id, caller string, index int) (*escrow.Agreement, error) {
	return nil, f.record(call{op: "release", id: id, index: index})
}

func (f *fakeCranker) SyncBeneficiary(_ context.Context, id, caller string) (*escrow.Agreement, error) {
	return nil, f.record(call{op: "sync", id: id})
}

func TestSweep_DrivesEveryKindOfWork(t *testing.T) {
	svc := &fakeCranker{
		work: escrow.Work{
			Due: []string{"a1", "a2"},
			Releasable: []escrow.MilestoneRef{
				{AgreementID: "b1", Index: 0},
				{AgreementID: "b1", Index: 2},
				{AgreementID: "b2", Index: 1},
			},
			Unsynced: []string{"c1"},
		},
		errs: map[string]error{
			"claim:a2":   escrow.ErrEscrowNotActive,
			"release:b2": errors.New("connection reset"),
		},
	}
	k, err := New(svc, Config{Concurrency: 2}, nil)
	require.NoError(t, err)

	report, err := k.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Claimed: 1, Released: 2, Synced: 1, Skipped: 1, Failed: 1}, report)

	var b1 []int
	for _, c := range svc.calls {
		if c.op == "release" && c.id == "b1" {
			b1 = append(b1, c.index)
		}
	}
	assert.Equal(t, []int{0, 2}, b1, "milestones of one agreement are released in order")
}

func TestSweep_NothingToDo(t *testing.T) {
	svc := &fakeCranker{}
	k, err := New(svc, Config{}, nil)
	require.NoError(t, err)

	report, err := k.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.Empty(t, svc.calls)
}

func TestSweep_ListingFailure(t *testing.T) {
	svc := &fakeCranker{workErr: errors.New("db down")}
	k, err := New(svc, Config{}, nil)
	require.NoError(t, err)

	_, err = k.Sweep(context.Background())
	require.Error(t, err)
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := New(&fakeCranker{}, Config{Schedule: "every now and then"}, nil)
	require.Error(t, err)

	k, err := New(&fakeCranker{}, Config{Schedule: "@every 30s"}, nil)
	require.NoError(t, err)
	k.Start()
	k.Stop()
}

func TestIsStale(t *testing.T) {
	stale := []error{escrow.ErrEscrowNotExpired, escrow.ErrMilestoneNotApproved, escrow.ErrBeneficiaryAlreadySynced}
	for _, err := range stale {
		assert.True(t, isStale(err), err.Error())
	}
	assert.False(t, isStale(errors.New("boom")))
}
