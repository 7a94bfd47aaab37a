package protocol

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerIdString(t *testing.T) {
	id := NewServerId("as1.internal", 7000)
	assert.Equal(t, "as1.internal:7000", id.String())
}

func TestServerIdEquality(t *testing.T) {
	a := NewServerId("as1.internal", 7000)
	b := NewServerId("as1.internal", 7000)
	c := NewServerId("as1.internal", 7001)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	m := map[ServerId]int{a: 1}
	m[b] = 2
	assert.Len(t, m, 1, "structurally equal ServerIds must collide in a map")
}

func TestServerIdLessOrdersByHostThenPort(t *testing.T) {
	a := NewServerId("a.internal", 7001)
	b := NewServerId("b.internal", 7000)
	assert.True(t, a.Less(b), "different hosts order lexicographically")
	assert.False(t, b.Less(a))

	low := NewServerId("as1.internal", 7000)
	high := NewServerId("as1.internal", 7001)
	assert.True(t, low.Less(high), "same host orders by port")
	assert.False(t, high.Less(low))

	assert.False(t, low.Less(low), "Less is strict, never true for equal values")
}

func TestServerIdSortStable(t *testing.T) {
	ids := []ServerId{
		NewServerId("c.internal", 7000),
		NewServerId("a.internal", 7001),
		NewServerId("a.internal", 7000),
		NewServerId("b.internal", 7000),
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	want := []ServerId{
		NewServerId("a.internal", 7000),
		NewServerId("a.internal", 7001),
		NewServerId("b.internal", 7000),
		NewServerId("c.internal", 7000),
	}
	assert.Equal(t, want, ids)
}
