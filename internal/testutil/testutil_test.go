package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock_Advance(t *testing.T) {
	c := NewClock(time.Time{})
	assert.Equal(t, Epoch, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, Epoch.Add(90*time.Second), c.Now())
}

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs("")
	assert.Equal(t, "evt-0001", g.Generate())
	assert.Equal(t, "evt-0002", g.Generate())

	g = NewSequentialIDs("case")
	assert.Equal(t, "case-0001", g.Generate())
}

func TestSequentialIDs_Concurrent(t *testing.T) {
	g := NewSequentialIDs("x")
	seen := sync.Map{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, dup := seen.LoadOrStore(g.Generate(), true)
				assert.False(t, dup)
			}
		}()
	}
	wg.Wait()

	n := 0
	seen.Range(func(_, _ any) bool { n++; return true })
	require.Equal(t, 500, n)
}

func TestOpenStore(t *testing.T) {
	c := NewClock(time.Time{})
	s := OpenStore(t, c)
	assert.Equal(t, Epoch, s.Now())
}
