package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/ldapreplicator/pkg/changelog"
)

func TestEnqueueReportsWasEmpty(t *testing.T) {
	q := New()
	_, wasEmpty := q.Enqueue(nil, &changelog.Change{ChangeNumber: 1})
	assert.True(t, wasEmpty)
	_, wasEmpty = q.Enqueue(nil, &changelog.Change{ChangeNumber: 2})
	assert.False(t, wasEmpty)
	assert.Equal(t, 2, q.Len())
}

func TestFIFOOrderPreservedPerRemote(t *testing.T) {
	q := New()
	q.Enqueue(nil, &changelog.Change{ChangeNumber: 1})
	q.Enqueue(nil, &changelog.Change{ChangeNumber: 2})
	q.Enqueue(nil, &changelog.Change{ChangeNumber: 3})

	e, ok := q.PopFront()
	require.True(t, ok)
	assert.Equal(t, int64(1), e.Change.ChangeNumber)

	e, ok = q.PopFront()
	require.True(t, ok)
	assert.Equal(t, int64(2), e.Change.ChangeNumber)
}

func TestPushFrontRetriesBeforeLaterEntries(t *testing.T) {
	q := New()
	q.Enqueue(nil, &changelog.Change{ChangeNumber: 1})
	q.Enqueue(nil, &changelog.Change{ChangeNumber: 2})

	failed, ok := q.PopFront()
	require.True(t, ok)
	failed.Retry++
	q.PushFront(failed)

	e, ok := q.PopFront()
	require.True(t, ok)
	assert.Equal(t, int64(1), e.Change.ChangeNumber)
	assert.Equal(t, 1, e.Retry)

	e, ok = q.PopFront()
	require.True(t, ok)
	assert.Equal(t, int64(2), e.Change.ChangeNumber)
}

func TestDropClearsQueue(t *testing.T) {
	q := New()
	q.Enqueue(nil, &changelog.Change{ChangeNumber: 1})
	q.Drop()
	assert.True(t, q.Empty())
	_, ok := q.PopFront()
	assert.False(t, ok)
}

func TestPopFrontOnEmptyQueue(t *testing.T) {
	q := New()
	_, ok := q.PopFront()
	assert.False(t, ok)
}
