package search_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/scheduler/search"
	"github.com/mkarlsen/memsched/internal/testutil"
)

func TestSearch_CombinesLanes(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").
		WithItem("lt-1", "drinks coffee every morning").
		WithItem("um-1", "coffee preference noted", testutil.WithType(memory.UserMemory)).
		WithItem("lt-2", "rides a bicycle to work").
		Build()

	svc := search.NewService(memory.SearchFast)
	items := svc.Search(context.Background(), cube, "coffee", "alice", 10)

	require.Len(t, items, 2)
	ids := []string{items[0].ID, items[1].ID}
	require.Contains(t, ids, "lt-1")
	require.Contains(t, ids, "um-1")
}

func TestSearch_TopKPerLane(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").
		WithItem("lt-1", "coffee coffee coffee").
		WithItem("lt-2", "coffee once").
		WithItem("lt-3", "coffee twice coffee").
		Build()

	svc := search.NewService(memory.SearchFast)
	items := svc.Search(context.Background(), cube, "coffee", "alice", 1)

	require.Len(t, items, 1)
	require.Equal(t, "lt-1", items[0].ID, "strongest term overlap wins")
}

func TestSearch_NilCube(t *testing.T) {
	svc := search.NewService("")
	require.Empty(t, svc.Search(context.Background(), nil, "q", "alice", 5))
}

func TestSearch_SkipsArchived(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").
		WithItem("lt-1", "coffee memory", testutil.WithStatus(memory.StatusArchived)).
		Build()

	svc := search.NewService(memory.SearchFast)
	require.Empty(t, svc.Search(context.Background(), cube, "coffee", "alice", 5))
}

func TestSearch_SkipsResolving(t *testing.T) {
	cube, store := testutil.NewCubeBuilder(t, "c1").
		WithItem("lt-1", "coffee memory", testutil.WithStatus(memory.StatusResolving)).
		Build()

	svc := search.NewService(memory.SearchFast)
	require.Empty(t, svc.Search(context.Background(), cube, "coffee", "alice", 5))

	// Still readable directly while reconciliation is in flight.
	it, err := store.Get(context.Background(), "lt-1")
	require.NoError(t, err)
	require.Equal(t, memory.StatusResolving, it.Metadata.Status)
}

func TestSearchEvidences_SplitsTopK(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").
		WithItem("lt-1", "coffee coffee").
		WithItem("lt-2", "coffee").
		WithItem("lt-3", "bicycle bicycle").
		WithItem("lt-4", "bicycle").
		Build()

	svc := search.NewService(memory.SearchFast)
	items := svc.SearchEvidences(context.Background(), cube,
		[]string{"coffee", "bicycle"}, "alice", 2)

	// topK 2 over 2 evidences gives 1 result per evidence.
	require.Len(t, items, 2)
	require.Equal(t, "lt-1", items[0].ID)
	require.Equal(t, "lt-3", items[1].ID)
}

func TestSearchEvidences_FloorOfOne(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").
		WithItem("lt-1", "alpha topic").
		WithItem("lt-2", "beta topic").
		WithItem("lt-3", "gamma topic").
		Build()

	svc := search.NewService(memory.SearchFast)
	items := svc.SearchEvidences(context.Background(), cube,
		[]string{"alpha", "beta", "gamma"}, "alice", 1)
	require.Len(t, items, 3, "each evidence keeps at least one slot")
}

func TestSearchEvidences_Empty(t *testing.T) {
	svc := search.NewService(memory.SearchFast)
	require.Empty(t, svc.SearchEvidences(context.Background(), nil, nil, "alice", 5))
}
