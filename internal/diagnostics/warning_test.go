package diagnostics

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddPopulatesOptionalServerID(t *testing.T) {
	s := NewService()
	s.Add(CategoryTransport, SeverityError, "as1.internal:7000", "connection reset")
	s.Add(CategoryQuenchStuck, SeverityWarn, "", "quench held active for 30s")

	all := s.All()
	require.Len(t, all, 2)

	var withServer, withoutServer *Warning
	for _, w := range all {
		if w.Category == CategoryTransport {
			withServer = w
		} else {
			withoutServer = w
		}
	}

	require.NotNil(t, withServer)
	require.NotNil(t, withServer.ServerID)
	assert.Equal(t, "as1.internal:7000", *withServer.ServerID)
	assert.Equal(t, SeverityError, withServer.Severity)

	require.NotNil(t, withoutServer)
	assert.Nil(t, withoutServer.ServerID)
	assert.Equal(t, SeverityWarn, withoutServer.Severity)
}

func TestAllOrdersNewestFirst(t *testing.T) {
	s := NewService()
	s.Add(CategoryHandshake, SeverityWarn, "a", "first")
	s.Add(CategoryHandshake, SeverityWarn, "b", "second")

	all := s.All()
	require.Len(t, all, 2)
	assert.Equal(t, "second", all[0].Message)
	assert.Equal(t, "first", all[1].Message)
}

func TestAddEvictsOldestAtCapacity(t *testing.T) {
	s := NewService()
	for i := 0; i < MaxWarnings; i++ {
		s.Add(CategoryTransport, SeverityWarn, "", fmt.Sprintf("w%d", i))
	}
	s.Add(CategoryTransport, SeverityWarn, "", "overflow")

	all := s.All()
	assert.Len(t, all, MaxWarnings)
	for _, w := range all {
		assert.NotEqual(t, "w0", w.Message, "oldest warning should have been evicted")
	}
}

func TestAcknowledge(t *testing.T) {
	s := NewService()
	s.Add(CategoryHandshake, SeverityWarn, "a", "msg")
	id := s.All()[0].ID

	assert.True(t, s.Acknowledge(id))
	assert.True(t, s.All()[0].Acknowledged)
	assert.False(t, s.Acknowledge("does-not-exist"))
}
