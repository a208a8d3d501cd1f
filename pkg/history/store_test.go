package history

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestStore() *Store {
	return New(DefaultCapacity, DefaultEvictBatch, zerolog.Nop())
}

func TestAppendAndRecent(t *testing.T) {
	s := newTestStore()
	for i := 1; i <= 5; i++ {
		s.Append(ChatMessage{From: "alice", Text: fmt.Sprintf("m%d", i), Timestamp: uint64(i)})
	}

	assert.Equal(t, 5, s.Len())

	recent := s.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, "m3", recent[0].Text)
	assert.Equal(t, "m4", recent[1].Text)
	assert.Equal(t, "m5", recent[2].Text)

	assert.Len(t, s.Recent(100), 5, "asking for more than stored returns everything")
	assert.Empty(t, s.Recent(0))
	assert.Empty(t, s.Recent(-1))
}

func TestRecentReturnsCopy(t *testing.T) {
	s := newTestStore()
	s.Append(ChatMessage{From: "alice", Text: "original"})

	got := s.Recent(1)
	got[0].Text = "mutated"

	assert.Equal(t, "original", s.Recent(1)[0].Text)
}

func TestEvictionBatch(t *testing.T) {
	s := newTestStore()
	for i := 1; i <= 10001; i++ {
		s.Append(ChatMessage{From: "alice", Text: fmt.Sprintf("%d", i), Timestamp: uint64(i)})
	}

	require.Equal(t, 9001, s.Len())
	assert.Equal(t, uint64(1000), s.Evicted())

	recent := s.Recent(9001)
	require.Len(t, recent, 9001)
	for i, msg := range recent {
		assert.Equal(t, uint64(1001+i), msg.Timestamp)
	}
}

func TestEvictionBoundary(t *testing.T) {
	s := New(10, 3, zerolog.Nop())
	for i := 1; i <= 10; i++ {
		s.Append(ChatMessage{Timestamp: uint64(i)})
	}
	assert.Equal(t, 10, s.Len(), "exactly at capacity keeps everything")
	assert.Equal(t, uint64(0), s.Evicted())

	s.Append(ChatMessage{Timestamp: 11})
	assert.Equal(t, 8, s.Len())
	assert.Equal(t, uint64(4), s.Recent(8)[0].Timestamp)
}

func TestEvictionLogs(t *testing.T) {
	var buf bytes.Buffer
	s := New(2, 1, zerolog.New(&buf))

	s.Append(ChatMessage{Timestamp: 1})
	s.Append(ChatMessage{Timestamp: 2})
	assert.Empty(t, buf.String())

	s.Append(ChatMessage{Timestamp: 3})
	assert.Contains(t, buf.String(), "history trimmed")
	assert.Contains(t, buf.String(), `"evicted":1`)
}

func TestNewDefaults(t *testing.T) {
	s := New(0, 0, zerolog.Nop())
	assert.Equal(t, DefaultCapacity, s.Capacity())
	assert.Equal(t, DefaultEvictBatch, s.evictBatch)

	clamped := New(5, 50, zerolog.Nop())
	assert.Equal(t, 5, clamped.evictBatch)
}

func TestForUserFilter(t *testing.T) {
	s := newTestStore()
	s.Append(ChatMessage{From: "carol", To: "", Text: "A", Timestamp: 1})
	s.Append(ChatMessage{From: "alice", To: "bob", Text: "B", Timestamp: 2})
	s.Append(ChatMessage{From: "bob", To: "alice", Text: "C", Timestamp: 3})
	s.Append(ChatMessage{From: "carol", To: "dave", Text: "D", Timestamp: 4})

	got := s.ForUser("bob", 10)
	texts := make([]string, len(got))
	for i, m := range got {
		texts[i] = m.Text
	}
	assert.Equal(t, []string{"A", "B", "C"}, texts)

	assert.Equal(t, []ChatMessage{{From: "carol", Text: "A", Timestamp: 1}}, s.ForUser("erin", 10))
}

func TestForUserStopsAtN(t *testing.T) {
	s := newTestStore()
	s.Append(ChatMessage{From: "alice", To: "bob", Text: "old private", Timestamp: 1})
	for i := 0; i < 20; i++ {
		s.Append(ChatMessage{From: "carol", Text: "noise", Timestamp: uint64(2 + i)})
	}
	s.Append(ChatMessage{From: "alice", To: "bob", Text: "new private", Timestamp: 100})

	got := s.ForUser("bob", 3)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(20), got[0].Timestamp)
	assert.Equal(t, uint64(21), got[1].Timestamp)
	assert.Equal(t, "new private", got[2].Text)

	assert.Empty(t, s.ForUser("bob", 0))
}

func TestConcurrentAppend(t *testing.T) {
	s := New(500, 100, zerolog.Nop())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.Append(ChatMessage{From: fmt.Sprintf("user%d", w), Text: "x"})
				_ = s.ForUser("user0", 10)
				_ = s.Recent(5)
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Len(), 500)
	assert.Equal(t, uint64(1600), uint64(s.Len())+s.Evicted())
}

// TestForUserMatchesFullFilter checks the early-stopping scan against a
// naive filter over the whole log
func TestForUserMatchesFullFilter(t *testing.T) {
	users := []string{"alice", "bob", "carol", ""}

	rapid.Check(t, func(t *rapid.T) {
		s := New(50, 7, zerolog.Nop())
		count := rapid.IntRange(0, 120).Draw(t, "count")
		for i := 0; i < count; i++ {
			s.Append(ChatMessage{
				From:      rapid.SampledFrom(users[:3]).Draw(t, "from"),
				To:        rapid.SampledFrom(users).Draw(t, "to"),
				Timestamp: uint64(i),
			})
		}

		user := rapid.SampledFrom(users[:3]).Draw(t, "user")
		n := rapid.IntRange(1, 60).Draw(t, "n")

		var want []ChatMessage
		for _, m := range s.Recent(s.Len()) {
			if m.VisibleTo(user) {
				want = append(want, m)
			}
		}
		if len(want) > n {
			want = want[len(want)-n:]
		}

		got := s.ForUser(user, n)
		if len(got) != len(want) {
			t.Fatalf("got %d messages, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("message %d: got %+v, want %+v", i, got[i], want[i])
			}
		}
	})
}
