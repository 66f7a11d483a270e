package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dispatchd/internal/queue"
	"github.com/mattjoyce/dispatchd/internal/retry"
)

func TestSelectQueue(t *testing.T) {
	cases := []struct {
		node  string
		class Class
		want  string
	}{
		{"node1", ClassFast, "fast.node1"},
		{"node1", "", "fast.node1"},
		{"hv-02", ClassSlow, "slow.hv-02"},
		{"n3", ClassImage, "image.n3"},
		{"n3", ClassBackup, "backup.n3"},
		{"", ClassMgmt, "mgmt"},
		{"ignored", ClassMgmt, "mgmt"},
	}
	for _, tc := range cases {
		got, err := SelectQueue(tc.node, tc.class)
		require.NoError(t, err, tc)
		assert.Equal(t, tc.want, got)

		cls, node, err := ParseQueue(got)
		require.NoError(t, err)
		if tc.class == ClassMgmt {
			assert.Equal(t, ClassMgmt, cls)
			assert.Empty(t, node)
		} else {
			assert.Equal(t, tc.node, node)
		}
	}
}

func TestSelectQueueRejectsBadInput(t *testing.T) {
	_, err := SelectQueue("node1", "gpu")
	assert.Equal(t, retry.CodeInvalidArgument, retry.CodeOf(err))
	_, err = SelectQueue("", ClassFast)
	assert.Equal(t, retry.CodeInvalidArgument, retry.CodeOf(err))
	_, err = SelectQueue("a.b", ClassFast)
	assert.Error(t, err)

	for _, bad := range []string{"fast", "mgmt.n1", "gpu.n1", ".n1", "fast."} {
		_, _, err := ParseQueue(bad)
		assert.Error(t, err, bad)
	}
}

type failingBroker struct{ queue.Broker }

func (failingBroker) Publish(context.Context, string, string) error {
	return errors.New("connection refused")
}

func TestEnqueueFailureIsTransient(t *testing.T) {
	r := New(failingBroker{queue.NewMemory()})
	err := r.Enqueue(context.Background(), "fast.n1", "t1")
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err))
}

func TestQueuesAreIndependent(t *testing.T) {
	ctx := context.Background()
	r := New(queue.NewMemory())
	require.NoError(t, r.Enqueue(ctx, "backup.n1", "slow-1"))
	require.NoError(t, r.Enqueue(ctx, "backup.n1", "slow-2"))
	require.NoError(t, r.Enqueue(ctx, "fast.n1", "quick"))

	id, ok, err := r.Next(ctx, "fast.n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "quick", id)

	depths, err := r.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []QueueDepth{{"backup.n1", 2}, {"fast.n1", 0}}, depths)

	_, _, err = r.Next(ctx, "nonsense")
	assert.Equal(t, retry.CodeInvalidArgument, retry.CodeOf(err))
}
