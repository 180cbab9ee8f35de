package enhance

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/prompt"
	"github.com/mkarlsen/memsched/internal/testutil"
)

func twoItems() []memory.Item {
	return []memory.Item{
		memory.NewItem("drinks coffee", memory.Metadata{UserID: "alice", Tags: []string{"habit"}}),
		memory.NewItem("owns a bicycle", memory.Metadata{UserID: "alice"}),
	}
}

func TestEnhance_RewriteKeepsIdentity(t *testing.T) {
	client := &testutil.ScriptedLLM{Responses: []string{
		"- [0] drinks two espressos every morning\n- [1] rides a road bike to work",
	}}
	p := NewPipeline(client, prompt.NewStore(), StrategyRewrite, 10, 0)

	items := twoItems()
	out, ok := p.Enhance(context.Background(), []string{"what are the habits"}, items)
	require.True(t, ok)
	require.Len(t, out, 2)
	require.Equal(t, items[0].ID, out[0].ID)
	require.Equal(t, "drinks two espressos every morning", out[0].Memory)
	require.Equal(t, []string{"habit"}, out[0].Metadata.Tags, "metadata survives the rewrite")
	require.Equal(t, items[1].ID, out[1].ID)
	require.Equal(t, "rides a road bike to work", out[1].Memory)
}

func TestEnhance_RewritePositionalFallback(t *testing.T) {
	// Lines without index prefixes map by position.
	client := &testutil.ScriptedLLM{Responses: []string{
		"- better coffee memory\n- better bicycle memory",
	}}
	p := NewPipeline(client, prompt.NewStore(), StrategyRewrite, 10, 0)

	items := twoItems()
	out, ok := p.Enhance(context.Background(), []string{"q"}, items)
	require.True(t, ok)
	require.Len(t, out, 2)
	require.Equal(t, items[0].ID, out[0].ID)
	require.Equal(t, "better coffee memory", out[0].Memory)
}

func TestEnhance_RecreateMakesFreshItems(t *testing.T) {
	client := &testutil.ScriptedLLM{Responses: []string{
		"- consolidated caffeine preference\n- cycling commuter",
	}}
	p := NewPipeline(client, prompt.NewStore(), StrategyRecreate, 10, 0)

	items := twoItems()
	out, ok := p.Enhance(context.Background(), []string{"q"}, items)
	require.True(t, ok)
	require.Len(t, out, 2)
	require.NotEqual(t, items[0].ID, out[0].ID)
	require.Equal(t, "alice", out[0].Metadata.UserID)
	require.Equal(t, memory.LongTermMemory, out[0].Metadata.MemoryType)
}

func TestEnhance_FailedBatchKeepsOriginals(t *testing.T) {
	client := &testutil.ScriptedLLM{Err: fmt.Errorf("model offline")}
	p := NewPipeline(client, prompt.NewStore(), StrategyRewrite, 10, 0)

	items := twoItems()
	out, ok := p.Enhance(context.Background(), []string{"q"}, items)
	require.False(t, ok)
	require.Equal(t, items, out)
}

func TestEnhance_RetryBudget(t *testing.T) {
	// retries=1 allows one retry after the initial attempt, so a batch
	// that never succeeds costs exactly two model calls.
	client := &testutil.ScriptedLLM{Err: fmt.Errorf("model offline")}
	p := NewPipeline(client, prompt.NewStore(), StrategyRewrite, 10, 1)

	_, ok := p.Enhance(context.Background(), []string{"q"}, twoItems())
	require.False(t, ok)
	require.Equal(t, 2, client.CallCount())
}

func TestEnhance_EmptyInput(t *testing.T) {
	client := &testutil.ScriptedLLM{}
	p := NewPipeline(client, prompt.NewStore(), StrategyRewrite, 10, 0)

	out, ok := p.Enhance(context.Background(), []string{"q"}, nil)
	require.True(t, ok)
	require.Empty(t, out)
	require.Zero(t, client.CallCount())
}

func TestEnhance_BatchesRunIndependently(t *testing.T) {
	// Two batches of one item each; both get the same scripted rewrite so
	// ordering of the concurrent calls does not matter.
	client := &testutil.ScriptedLLM{Responses: []string{"- [0] rewritten"}}
	p := NewPipeline(client, prompt.NewStore(), StrategyRewrite, 1, 0)

	out, ok := p.Enhance(context.Background(), []string{"q"}, twoItems())
	require.True(t, ok)
	require.Len(t, out, 2)
	require.Equal(t, 2, client.CallCount())
	require.Equal(t, "rewritten", out[0].Memory)
	require.Equal(t, "rewritten", out[1].Memory)
}

func TestParseIndexAndText(t *testing.T) {
	tests := []struct {
		in       string
		wantIdx  int
		wantText string
	}{
		{"[3] bracketed", 3, "bracketed"},
		{"3: colon form", 3, "colon form"},
		{"2 - dash form", 2, "dash form"},
		{"no prefix at all", -1, "no prefix at all"},
	}
	for _, tt := range tests {
		idx, text := parseIndexAndText(tt.in)
		require.Equal(t, tt.wantIdx, idx, tt.in)
		require.Equal(t, tt.wantText, text, tt.in)
	}
}

func TestRecallForMissing(t *testing.T) {
	client := &testutil.ScriptedLLM{Responses: []string{
		`{"hint": "search for travel plans", "trigger_recall": true}`,
	}}
	p := NewPipeline(client, prompt.NewStore(), StrategyRewrite, 10, 0)

	hint, trigger := p.RecallForMissing(context.Background(), "where is she going", []string{"likes trains"})
	require.True(t, trigger)
	require.Equal(t, "search for travel plans", hint)
}

func TestRecallForMissing_EmptyHintNeverTriggers(t *testing.T) {
	client := &testutil.ScriptedLLM{Responses: []string{
		`{"hint": "", "trigger_recall": true}`,
	}}
	p := NewPipeline(client, prompt.NewStore(), StrategyRewrite, 10, 0)

	hint, trigger := p.RecallForMissing(context.Background(), "q", nil)
	require.False(t, trigger)
	require.Empty(t, hint)
}

func TestRecallForMissing_Malformed(t *testing.T) {
	client := &testutil.ScriptedLLM{Responses: []string{"not json"}}
	p := NewPipeline(client, prompt.NewStore(), StrategyRewrite, 10, 0)

	_, trigger := p.RecallForMissing(context.Background(), "q", nil)
	require.False(t, trigger)
}
