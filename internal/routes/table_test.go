package routes

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarsater/mcp-relay/internal/mcp"
)

func tool(name, desc string) mcp.Tool {
	return mcp.Tool{Name: name, Description: desc, InputSchema: map[string]any{"type": "object"}}
}

func TestBuildFirstWins(t *testing.T) {
	table := Build([]Source{
		{Name: "t1", Tools: []mcp.Tool{tool("a", "a from t1"), tool("b", "b from t1")}},
		{Name: "t2", Tools: []mcp.Tool{tool("b", "b from t2"), tool("c", "c from t2")}},
	})

	assert.Equal(t, []string{"a", "b", "c"}, table.Names())
	assert.Equal(t, 3, table.Len())

	r, ok := table.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, 0, r.Owner)
	assert.Equal(t, "t1", r.OwnerName)
	assert.Equal(t, "b from t1", r.Tool.Description)

	r, ok = table.Lookup("c")
	require.True(t, ok)
	assert.Equal(t, 1, r.Owner)

	_, ok = table.Lookup("x")
	assert.False(t, ok)

	assert.Equal(t, []Conflict{{Tool: "b", Winner: "t1", Shadowed: "t2", ShadowedAt: 1}}, table.Conflicts())

	shadowed, ok := table.SourceTools(1)
	require.True(t, ok)
	require.Len(t, shadowed, 2)
	assert.Equal(t, "b from t2", shadowed[0].Description)

	_, ok = table.SourceTools(2)
	assert.False(t, ok)
}

func TestBuildIsDeterministic(t *testing.T) {
	var sources []Source
	for i := 0; i < 5; i++ {
		var tools []mcp.Tool
		for j := 0; j < 5; j++ {
			tools = append(tools, tool(fmt.Sprintf("tool-%d", (i+j)%7), fmt.Sprintf("from %d", i)))
		}
		sources = append(sources, Source{Name: fmt.Sprintf("s%d", i), Tools: tools})
	}

	first := Build(sources)
	for i := 0; i < 10; i++ {
		again := Build(sources)
		assert.Equal(t, first.Names(), again.Names())
		assert.Equal(t, first.Tools(), again.Tools())
	}
}

func TestBuildDuplicateWithinSource(t *testing.T) {
	table := Build([]Source{{Name: "s", Tools: []mcp.Tool{tool("a", "first"), tool("a", "second")}}})
	r, ok := table.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "first", r.Tool.Description)
	assert.Equal(t, 1, table.Len())
}

func TestHolderSwap(t *testing.T) {
	h := NewHolder()
	assert.Equal(t, 0, h.Load().Len())

	next := Build([]Source{{Name: "s", Tools: []mcp.Tool{tool("a", "")}}})
	prev := h.Swap(next)
	assert.Equal(t, 0, prev.Len())
	assert.Same(t, next, h.Load())

	h.Swap(nil)
	assert.Equal(t, 0, h.Load().Len())
}

func TestHolderConcurrentReaders(t *testing.T) {
	h := NewHolder()
	small := Build([]Source{{Name: "s", Tools: []mcp.Tool{tool("a", "")}}})
	big := Build([]Source{{Name: "s", Tools: []mcp.Tool{tool("a", ""), tool("b", ""), tool("c", "")}}})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if i%2 == 0 {
				h.Swap(small)
			} else {
				h.Swap(big)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			n := h.Load().Len()
			assert.Contains(t, []int{0, 1, 3}, n)
		}
	}()
	wg.Wait()
}
