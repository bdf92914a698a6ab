package colosseum

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/sss-lehigh/librome/internal/stream"
)

type fakeAdaptor struct {
	started, stopped bool
	applied          []int
	failOn           int
}

func (f *fakeAdaptor) Start() error { f.started = true; return nil }
func (f *fakeAdaptor) Stop() error  { f.stopped = true; return nil }
func (f *fakeAdaptor) Apply(op int) error {
	f.applied = append(f.applied, op)
	if op == f.failOn {
		return errors.New("synthetic failure")
	}
	return nil
}

func TestWorkloadDriverRunsToCompletion(t *testing.T) {
	adaptor := &fakeAdaptor{failOn: -1}
	ops := stream.NewTestStream([]int{1, 2, 3})
	d := New[int](logrus.New(), adaptor, ops, nil)

	require.NoError(t, d.Run(context.Background()))
	require.True(t, adaptor.started)
	require.True(t, adaptor.stopped)
	require.Equal(t, []int{1, 2, 3}, adaptor.applied)

	stats := d.Stats()
	require.EqualValues(t, 3, stats.Issued)
	require.EqualValues(t, 3, stats.Succeeded)
	require.EqualValues(t, 0, stats.Failed)
}

func TestWorkloadDriverCountsFailures(t *testing.T) {
	adaptor := &fakeAdaptor{failOn: 2}
	ops := stream.NewTestStream([]int{1, 2, 3})
	d := New[int](logrus.New(), adaptor, ops, nil)

	require.NoError(t, d.Run(context.Background()))
	stats := d.Stats()
	require.EqualValues(t, 3, stats.Issued)
	require.EqualValues(t, 2, stats.Succeeded)
	require.EqualValues(t, 1, stats.Failed)
}

func TestWorkloadDriverStopsOnContextCancel(t *testing.T) {
	adaptor := &fakeAdaptor{failOn: -1}
	ops := stream.NewCircularStream(0, 5, 1)
	d := New[int](logrus.New(), adaptor, ops, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
