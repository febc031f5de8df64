package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmorita/conflux/internal/llm"
)

func userMsg(text string) llm.Message {
	return llm.Message{Role: llm.RoleUser, Content: text}
}

func TestAppendAndHistory(t *testing.T) {
	s := NewStore(0, 0)
	defer s.Close()

	s.Append("acme", "sess-1", userMsg("first"))
	s.Append("acme", "sess-1", llm.Message{Role: llm.RoleAssistant, Content: "second"})

	got := s.History("acme", "sess-1")
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Content)
	assert.Equal(t, "second", got[1].Content)
}

func TestAppendTrimsToMaxMessages(t *testing.T) {
	s := NewStore(4, 0)
	defer s.Close()

	for i := 0; i < 10; i++ {
		s.Append("acme", "sess-1", userMsg(fmt.Sprintf("msg-%d", i)))
	}

	got := s.History("acme", "sess-1")
	require.Len(t, got, 4)
	assert.Equal(t, "msg-6", got[0].Content)
	assert.Equal(t, "msg-9", got[3].Content)
}

func TestHistoryReturnsCopy(t *testing.T) {
	s := NewStore(0, 0)
	defer s.Close()

	s.Append("acme", "sess-1", userMsg("original"))
	got := s.History("acme", "sess-1")
	got[0].Content = "mutated"

	assert.Equal(t, "original", s.History("acme", "sess-1")[0].Content)
}

func TestHistoriesIsolatedByTenant(t *testing.T) {
	s := NewStore(0, 0)
	defer s.Close()

	s.Append("acme", "shared-id", userMsg("acme secret"))
	s.Append("globex", "shared-id", userMsg("globex secret"))

	acme := s.History("acme", "shared-id")
	globex := s.History("globex", "shared-id")
	require.Len(t, acme, 1)
	require.Len(t, globex, 1)
	assert.NotEqual(t, acme[0].Content, globex[0].Content)
}

func TestClear(t *testing.T) {
	s := NewStore(0, 0)
	defer s.Close()

	s.Append("acme", "sess-1", userMsg("x"))
	s.Clear("acme", "sess-1")
	assert.Nil(t, s.History("acme", "sess-1"))

	// Clearing a missing session is a no-op.
	s.Clear("acme", "never-existed")
}

func TestEvictDropsStaleSessions(t *testing.T) {
	s := NewStore(0, time.Hour)
	defer s.Close()

	s.Append("acme", "stale", userMsg("old"))
	s.conversations[key("acme", "stale")].updatedAt = time.Now().Add(-2 * time.Hour)
	s.Append("acme", "fresh", userMsg("new"))

	s.evict()

	assert.Nil(t, s.History("acme", "stale"), "stale session must be evicted")
	assert.NotNil(t, s.History("acme", "fresh"), "fresh session must survive")
}
