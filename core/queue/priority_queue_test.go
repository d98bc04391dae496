// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueue(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	testEntries := []Entry{
		{
			Value:    []byte("the packet that leaves first"),
			Priority: 0,
		},
		{
			Value:    []byte("the packet that leaves second"),
			Priority: 1,
		},
		{
			Value:    []byte("the packet that leaves third"),
			Priority: 2,
		},
		{
			Value:    []byte("the packet that leaves fourth"),
			Priority: 3,
		},
		{
			Value:    []byte("the straggler"),
			Priority: 4,
		},
	}

	q := New()
	for _, v := range testEntries {
		q.Enqueue(v.Priority, v.Value)
	}
	require.Equal(len(testEntries), q.Len(), "Queue length (full)")

	for i, expected := range testEntries {
		require.Equal(len(testEntries)-i, q.Len(), "Queue length")

		ent := q.Peek()
		require.Equal(expected.Priority, ent.Priority, "Peek(): Priority")

		ent = heap.Pop(q).(*Entry)
		require.Equal(expected.Value, ent.Value, "Pop(): Value")
		require.Equal(expected.Priority, ent.Priority, "Pop(): Priority")
	}

	require.Equal(0, q.Len(), "Queue length (empty)")
	require.Nil(q.Peek(), "Peek() (empty)")
	require.Nil(heap.Pop(q), "Pop() (empty)")
}

func TestPriorityQueueDequeueIndex(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New()
	for i := uint64(0); i < 5; i++ {
		q.Enqueue(i, i)
	}

	ent := q.DequeueIndex(0)
	require.Equal(uint64(0), ent.Priority, "DequeueIndex(0): Priority")
	require.Equal(4, q.Len(), "Queue length after DequeueIndex")

	ent = q.Peek()
	require.Equal(uint64(1), ent.Priority, "Peek() after DequeueIndex")
}

func TestPriorityQueueDuplicatePriority(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	testEntries := []Entry{
		{
			Value:    []byte("first"),
			Priority: 1,
		},
		{
			Value:    []byte("second"),
			Priority: 20,
		},
		{
			Value:    []byte("third"),
			Priority: 20,
		},
	}

	q := New()
	for _, v := range testEntries {
		q.Enqueue(v.Priority, v.Value)
	}
	require.Equal(3, q.Len())

	for i, expected := range testEntries {
		require.Equal(len(testEntries)-i, q.Len(), "Queue length")

		ent := q.Peek()
		require.Equal(expected.Priority, ent.Priority, "Peek(): Priority")

		ent = heap.Pop(q).(*Entry)
		require.Equal(expected.Priority, ent.Priority, "Pop(): Priority")
	}

	require.Equal(0, q.Len(), "Queue length (empty)")
	require.Nil(q.Peek(), "Peek() (empty)")
	require.Nil(heap.Pop(q), "Pop() (empty)")
}
