package session

import (
	"fmt"
	"regexp"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userMsg(s string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: s}
}

func assistantMsg(s string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: s}
}

func TestNewIDFormat(t *testing.T) {
	s := NewStore(20)
	id := s.NewID()
	assert.Regexp(t, regexp.MustCompile(`^conv_\d+_[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, s.NewID())
}

func TestGetUnknownConversation(t *testing.T) {
	s := NewStore(20)
	assert.Empty(t, s.Get("conv_0_deadbeef"))
}

func TestAppendAndGet(t *testing.T) {
	s := NewStore(20)
	id := s.NewID()

	s.Append(id, userMsg("hi"), assistantMsg("hello"))
	got := s.Get(id)
	require.Len(t, got, 2)
	assert.Equal(t, "hi", got[0].Content)
	assert.Equal(t, "hello", got[1].Content)
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(20)
	id := s.NewID()
	s.Append(id, userMsg("original"))

	got := s.Get(id)
	got[0].Content = "mutated"
	assert.Equal(t, "original", s.Get(id)[0].Content)
}

func TestTrimDropsOldestFirst(t *testing.T) {
	s := NewStore(20)
	id := s.NewID()

	// 15 turns pushes 30 messages through a 20-message cap.
	for i := 0; i < 15; i++ {
		s.Append(id, userMsg(fmt.Sprintf("q%d", i)), assistantMsg(fmt.Sprintf("a%d", i)))
	}

	got := s.Get(id)
	require.Len(t, got, 20)
	assert.Equal(t, "q5", got[0].Content)
	assert.Equal(t, "a14", got[19].Content)
}

func TestHistoryGrowsAsTwicePerTurnUntilCap(t *testing.T) {
	s := NewStore(20)
	id := s.NewID()

	for turn := 1; turn <= 15; turn++ {
		s.Append(id, userMsg("q"), assistantMsg("a"))
		want := 2 * turn
		if want > 20 {
			want = 20
		}
		assert.Len(t, s.Get(id), want, "after turn %d", turn)
	}
}

func TestClear(t *testing.T) {
	s := NewStore(20)
	id := s.NewID()
	s.Append(id, userMsg("hi"))

	assert.True(t, s.Clear(id))
	assert.Empty(t, s.Get(id))
	assert.False(t, s.Clear(id))
}

func TestStaleSweep(t *testing.T) {
	s := NewStore(20)
	clock := time.Now()
	s.now = func() time.Time { return clock }

	old := s.NewID()
	s.Append(old, userMsg("old"))

	clock = clock.Add(staleAfter + time.Hour)
	fresh := s.NewID()
	s.Append(fresh, userMsg("fresh"))

	assert.Empty(t, s.Get(old))
	assert.Len(t, s.Get(fresh), 1)
	assert.Equal(t, 1, s.Len())
}
