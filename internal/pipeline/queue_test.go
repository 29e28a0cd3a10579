// SPDX-License-Identifier: MIT

package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameQueue_PutEvictsOldest(t *testing.T) {
	q := newFrameQueue(2)

	assert.False(t, q.put(Frame{DisplayFrameIndex: 1}))
	assert.False(t, q.put(Frame{DisplayFrameIndex: 2}))
	assert.Equal(t, 2, q.depth())

	// Full: 1 goes, 3 enters.
	assert.True(t, q.put(Frame{DisplayFrameIndex: 3}))
	assert.Equal(t, 2, q.depth())

	f := <-q.c()
	assert.Equal(t, int64(2), f.DisplayFrameIndex)
	f = <-q.c()
	assert.Equal(t, int64(3), f.DisplayFrameIndex)
}

func TestFrameQueue_SentinelEvictsAllWhenFull(t *testing.T) {
	q := newFrameQueue(2)
	q.put(Frame{DisplayFrameIndex: 1})
	q.put(Frame{DisplayFrameIndex: 2})

	// A full queue needs one eviction to admit the sentinel.
	evicted := q.putSentinel()
	assert.Equal(t, 1, evicted)

	f := <-q.c()
	assert.Equal(t, int64(2), f.DisplayFrameIndex)
	f = <-q.c()
	assert.True(t, f.sentinel)
}

func TestFrameQueue_SentinelIntoEmptyQueue(t *testing.T) {
	q := newFrameQueue(4)
	require.Zero(t, q.putSentinel())
	f := <-q.c()
	assert.True(t, f.sentinel)
}
