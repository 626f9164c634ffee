package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/sigmoyd/internal/prompt"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSnapshotPrompt_PreservesAppendOrder(t *testing.T) {
	s := NewStore("sys")
	s.Append(1, prompt.RoleUser, "a")
	s.Append(1, prompt.RoleAssistant, "b")
	s.Append(1, prompt.RoleUser, "c")

	got := s.SnapshotPrompt(1)
	want := []prompt.Message{
		{Role: prompt.RoleSystem, Content: "sys"},
		{Role: prompt.RoleUser, Content: "a"},
		{Role: prompt.RoleAssistant, Content: "b"},
		{Role: prompt.RoleUser, Content: "c"},
	}
	assert.Equal(t, want, got)
}

func TestSnapshotPrompt_UnknownUser(t *testing.T) {
	s := NewStore("sys")
	got := s.SnapshotPrompt(42)
	require.Len(t, got, 1)
	assert.Equal(t, prompt.RoleSystem, got[0].Role)
	assert.Equal(t, 0, s.Len(42))
}

func TestAppend_PrunesExpiredTurnsOnNextAppend(t *testing.T) {
	clock := newFakeClock()
	s := NewStore("sys", WithClock(clock.Now))

	s.Append(1, prompt.RoleUser, "old")
	clock.Advance(30 * time.Minute)
	s.Append(1, prompt.RoleAssistant, "middle")
	clock.Advance(30 * time.Minute)

	// "old" is exactly one hour old now but nothing has pruned it yet.
	assert.Equal(t, 2, s.Len(1))
	assert.Len(t, s.SnapshotPrompt(1), 3)

	s.Append(1, prompt.RoleUser, "new")
	got := s.SnapshotPrompt(1)
	require.Len(t, got, 3)
	assert.Equal(t, "middle", got[1].Content)
	assert.Equal(t, "new", got[2].Content)
}

func TestAppend_KeepsTurnsYoungerThanWindow(t *testing.T) {
	clock := newFakeClock()
	s := NewStore("sys", WithClock(clock.Now))

	s.Append(1, prompt.RoleUser, "a")
	clock.Advance(time.Hour - time.Second)
	s.Append(1, prompt.RoleUser, "b")

	assert.Equal(t, 2, s.Len(1))
}

func TestAppend_CustomExpiry(t *testing.T) {
	clock := newFakeClock()
	s := NewStore("sys", WithClock(clock.Now), WithExpiry(time.Minute))

	s.Append(1, prompt.RoleUser, "a")
	clock.Advance(2 * time.Minute)
	s.Append(1, prompt.RoleUser, "b")

	got := s.SnapshotPrompt(1)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].Content)
}

func TestAppend_IdleSessionDecaysToEmpty(t *testing.T) {
	clock := newFakeClock()
	s := NewStore("sys", WithClock(clock.Now))
	s.Append(1, prompt.RoleUser, "a")
	s.Append(1, prompt.RoleAssistant, "b")
	clock.Advance(2 * time.Hour)

	s.Append(1, prompt.RoleUser, "c")
	assert.Equal(t, 1, s.Len(1))
}

func TestReset_LeavesOnlySystemPrompt(t *testing.T) {
	s := NewStore("sys")
	s.Append(7, prompt.RoleUser, "a")
	s.Append(7, prompt.RoleAssistant, "b")

	s.Reset(7)
	got := s.SnapshotPrompt(7)
	assert.Equal(t, []prompt.Message{{Role: prompt.RoleSystem, Content: "sys"}}, got)
}

func TestReset_DoesNotTouchOtherUsers(t *testing.T) {
	s := NewStore("sys")
	s.Append(1, prompt.RoleUser, "a")
	s.Append(2, prompt.RoleUser, "b")

	s.Reset(1)
	assert.Equal(t, 0, s.Len(1))
	assert.Equal(t, 1, s.Len(2))
}

func TestWithMaxTurns_DropsOldestFirst(t *testing.T) {
	s := NewStore("sys", WithMaxTurns(2))
	s.Append(1, prompt.RoleUser, "a")
	s.Append(1, prompt.RoleAssistant, "b")
	s.Append(1, prompt.RoleUser, "c")

	got := s.SnapshotPrompt(1)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[1].Content)
	assert.Equal(t, "c", got[2].Content)
}

func TestSnapshotPrompt_IsACopy(t *testing.T) {
	s := NewStore("sys")
	s.Append(1, prompt.RoleUser, "a")
	snap := s.SnapshotPrompt(1)
	snap[1].Content = "mutated"

	assert.Equal(t, "a", s.SnapshotPrompt(1)[1].Content)
}

func TestStats(t *testing.T) {
	s := NewStore("sys")
	s.Append(1, prompt.RoleUser, "a")
	s.Append(1, prompt.RoleAssistant, "b")
	s.Append(2, prompt.RoleUser, "c")
	s.Reset(3)

	assert.Equal(t, Stats{Sessions: 2, Turns: 3}, s.Stats())
}

func TestConcurrentAppendsSameUser(t *testing.T) {
	s := NewStore("sys")
	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.Append(1, prompt.RoleUser, fmt.Sprintf("%d-%d", w, i))
				_ = s.SnapshotPrompt(1)
			}
		}(w)
	}
	wg.Wait()

	snap := s.SnapshotPrompt(1)
	require.Len(t, snap, 1+workers*perWorker)

	seen := make(map[string]bool, workers*perWorker)
	next := make([]int, workers)
	for _, m := range snap[1:] {
		require.False(t, seen[m.Content], "duplicate turn %q", m.Content)
		seen[m.Content] = true
		var w, i int
		_, err := fmt.Sscanf(m.Content, "%d-%d", &w, &i)
		require.NoError(t, err)
		// Each worker's own turns must appear in the order it appended them.
		assert.Equal(t, next[w], i)
		next[w] = i + 1
	}
}

func TestConcurrentUsersAreIndependent(t *testing.T) {
	s := NewStore("sys")
	var wg sync.WaitGroup
	for u := int64(1); u <= 10; u++ {
		wg.Add(1)
		go func(u int64) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				s.Append(u, prompt.RoleUser, "x")
			}
		}(u)
	}
	wg.Wait()

	for u := int64(1); u <= 10; u++ {
		assert.Equal(t, 20, s.Len(u))
	}
}
