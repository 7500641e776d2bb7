package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/domain"
)

func TestQueuePriorityOrdering(t *testing.T) {
	q := NewQueue(ModePriority, 3)
	q.Enqueue(&Request{ActionID: "low", Priority: PriorityLow})
	q.Enqueue(&Request{ActionID: "med", Priority: PriorityMedium})
	q.Enqueue(&Request{ActionID: "high", Priority: PriorityHigh})

	assert.Equal(t, domain.ActionID("high"), q.Dequeue().ActionID)
	assert.Equal(t, domain.ActionID("med"), q.Dequeue().ActionID)
	assert.Equal(t, domain.ActionID("low"), q.Dequeue().ActionID)
	assert.Nil(t, q.Dequeue())
}

func TestQueuePriorityTieBreakIsInsertionOrder(t *testing.T) {
	q := NewQueue(ModePriority, 3)
	q.Enqueue(&Request{ActionID: "first", Priority: PriorityHigh})
	q.Enqueue(&Request{ActionID: "second", Priority: PriorityHigh})
	q.Enqueue(&Request{ActionID: "third", Priority: PriorityHigh})

	assert.Equal(t, domain.ActionID("first"), q.Dequeue().ActionID)
	assert.Equal(t, domain.ActionID("second"), q.Dequeue().ActionID)
	assert.Equal(t, domain.ActionID("third"), q.Dequeue().ActionID)
}

func TestQueueFIFOFlattensPriority(t *testing.T) {
	q := NewQueue(ModeFIFO, 3)
	q.Enqueue(&Request{ActionID: "a", Priority: PriorityLow})
	q.Enqueue(&Request{ActionID: "b", Priority: PriorityHigh})
	q.Enqueue(&Request{ActionID: "c", Priority: PriorityMedium})

	assert.Equal(t, domain.ActionID("a"), q.Dequeue().ActionID)
	assert.Equal(t, domain.ActionID("b"), q.Dequeue().ActionID)
	assert.Equal(t, domain.ActionID("c"), q.Dequeue().ActionID)
}

func TestQueueRequeueBudget(t *testing.T) {
	q := NewQueue(ModeFIFO, 2)
	req := &Request{ActionID: "a"}
	q.Enqueue(req)
	require.NotNil(t, q.Dequeue())

	assert.True(t, q.Requeue(req))
	require.NotNil(t, q.Dequeue())
	assert.True(t, q.Requeue(req))
	require.NotNil(t, q.Dequeue())

	// Third requeue exceeds the budget and drops the request.
	assert.False(t, q.Requeue(req))
	assert.Equal(t, 3, req.Attempts())
	assert.Equal(t, 0, q.Len())
}

func TestQueueRequeueGoesBehindSamePriority(t *testing.T) {
	q := NewQueue(ModePriority, 5)
	first := &Request{ActionID: "first", Priority: PriorityMedium}
	q.Enqueue(first)
	q.Enqueue(&Request{ActionID: "second", Priority: PriorityMedium})

	got := q.Dequeue()
	require.Equal(t, domain.ActionID("first"), got.ActionID)
	require.True(t, q.Requeue(got))

	assert.Equal(t, domain.ActionID("second"), q.Dequeue().ActionID)
	assert.Equal(t, domain.ActionID("first"), q.Dequeue().ActionID)
}

func TestQueueLen(t *testing.T) {
	q := NewQueue(ModeFIFO, 1)
	assert.Equal(t, 0, q.Len())
	q.Enqueue(&Request{ActionID: "a"})
	q.Enqueue(&Request{ActionID: "b"})
	assert.Equal(t, 2, q.Len())
	q.Dequeue()
	assert.Equal(t, 1, q.Len())
}
