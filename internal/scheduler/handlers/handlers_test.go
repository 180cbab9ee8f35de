package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/memsched/internal/config"
	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/prompt"
	"github.com/mkarlsen/memsched/internal/scheduler/monitor"
	"github.com/mkarlsen/memsched/internal/scheduler/postproc"
	"github.com/mkarlsen/memsched/internal/scheduler/search"
	"github.com/mkarlsen/memsched/internal/scheduler/weblog"
	"github.com/mkarlsen/memsched/internal/testutil"
)

type fakeReader struct {
	groups [][]memory.Item
	err    error
}

func (f *fakeReader) FineTransfer(_ context.Context, _ []memory.Item, _ string) ([][]memory.Item, error) {
	return f.groups, f.err
}

type fakeFeedback struct {
	record  memory.FeedbackRecord
	err     error
	payload map[string]any
}

func (f *fakeFeedback) ProcessFeedback(_ context.Context, _, _ string, payload map[string]any) (memory.FeedbackRecord, error) {
	f.payload = payload
	return f.record, f.err
}

type fakePrefMem struct {
	mu        sync.Mutex
	extracted []memory.Item
	err       error
	turns     []memory.ChatTurn
	stored    []memory.Item
}

func (f *fakePrefMem) GetMemory(_ context.Context, turns []memory.ChatTurn, _ string) ([]memory.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = turns
	return f.extracted, f.err
}

func (f *fakePrefMem) Add(_ context.Context, items []memory.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, items...)
	return nil
}

// newDeps builds a handler dependency set over one cube with a local env,
// a fresh web-log plane, and an LLM-free post processor.
func newDeps(cube *memory.Cube) (Deps, *weblog.Plane) {
	plane := weblog.NewPlane(64)
	return Deps{
		Env:      config.EnvLocal,
		Cfg:      config.Default().Scheduler,
		Cubes:    func(_, _ string) (*memory.Cube, error) { return cube, nil },
		Monitors: monitor.NewManager(nil, 10),
		Searcher: search.NewService(memory.SearchFast),
		Post:     postproc.NewProcessor(nil, nil, prompt.NewStore(), 0, 0),
		WebLog:   plane,
		Prompts:  prompt.NewStore(),
	}, plane
}

func TestQuery_PublishesAndSchedulesFollowUp(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)

	var submitted []memory.Message
	deps.Submit = func(_ context.Context, msg memory.Message) error {
		submitted = append(submitted, msg)
		return nil
	}
	svc := NewService(deps)

	first := memory.NewMessage("alice", "c1", memory.LabelQuery, "what should I drink")
	second := memory.NewMessage("alice", "c1", memory.LabelQuery, "coffee or tea")
	second.TaskID = "biz-7"
	second.SessionID = "sess-1"
	second.UserName = "alice"
	second.TraceID = "trace-1"

	require.NoError(t, svc.Query(context.Background(), []memory.Message{first, second}))

	events := plane.Drain()
	require.Len(t, events, 1)
	require.Equal(t, weblog.AddMessage, events[0].Label)
	require.Len(t, events[0].Content, 2)
	require.Equal(t, "[User] what should I drink", events[0].Content[0].Content)
	require.Equal(t, "user", events[0].Content[0].Role)

	require.Len(t, submitted, 1)
	followUp := submitted[0]
	require.Equal(t, memory.LabelMemoryUpdate, followUp.Label)
	require.Equal(t, "what should I drink\ncoffee or tea", followUp.Content)
	require.Equal(t, "biz-7", followUp.TaskID)
	require.Equal(t, "sess-1", followUp.SessionID)
	require.Equal(t, "trace-1", followUp.TraceID)
	require.NotEqual(t, second.ItemID, followUp.ItemID, "follow-up gets its own identity")
}

func TestAnswer_PublishesAssistantTurns(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelAnswer, "try the espresso")
	require.NoError(t, svc.Answer(context.Background(), []memory.Message{msg}))

	events := plane.Drain()
	require.Len(t, events, 1)
	require.Equal(t, weblog.AddMessage, events[0].Label)
	require.Equal(t, "[Assistant] try the espresso", events[0].Content[0].Content)
	require.Equal(t, "assistant", events[0].Content[0].Role)
}

func TestAdd_LocalClassifiesAddAndUpdate(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").
		WithItem("old-1", "drinks coffee", testutil.WithUser("alice")).
		WithItem("new-1", "drinks coffee", testutil.WithUser("alice")).
		WithItem("new-2", "owns a dog", testutil.WithUser("alice")).
		Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelAdd, `["new-1", "new-2"]`)
	require.NoError(t, svc.Add(context.Background(), []memory.Message{msg}))

	events := plane.Drain()
	require.Len(t, events, 2)

	added := events[0]
	require.Equal(t, weblog.AddMemory, added.Label)
	require.Len(t, added.Content, 1)
	require.Equal(t, "new-2", added.Content[0].MemoryID)
	require.Equal(t, "owns a dog", added.Content[0].Content)
	require.Len(t, added.Metadata, 1)
	require.Equal(t, "new-2", added.Metadata[0]["memory_id"])

	updated := events[1]
	require.Equal(t, weblog.UpdateMemory, updated.Label)
	require.Len(t, updated.Content, 1)
	require.Equal(t, "new-1", updated.Content[0].MemoryID)
	require.Equal(t, "drinks coffee", updated.Content[0].OriginalContent)
}

func TestAdd_CloudFoldsIntoKnowledgeBaseUpdate(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").
		WithItem("old-1", "drinks coffee", testutil.WithUser("alice")).
		WithItem("new-1", "drinks coffee", testutil.WithUser("alice")).
		WithItem("new-2", "owns a dog", testutil.WithUser("alice")).
		Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	deps.Env = config.EnvCloud
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelAdd, `["new-1", "new-2"]`)
	require.NoError(t, svc.Add(context.Background(), []memory.Message{msg}))

	events := plane.Drain()
	require.Len(t, events, 1)
	event := events[0]
	require.Equal(t, weblog.KnowledgeBaseUpdate, event.Label)
	require.Equal(t, "Knowledge Base Memory Update: 2 changes.", event.LogContent)
	require.Len(t, event.Content, 2)

	ops := map[string]string{}
	for _, e := range event.Content {
		ops[e.MemoryID] = e.Operation
		require.Equal(t, weblog.KnowledgeBaseLogSource, e.LogSource)
	}
	require.Equal(t, map[string]string{"new-1": weblog.OpUpdate, "new-2": weblog.OpAdd}, ops)
}

func TestAdd_MalformedPayload(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelAdd, "{not an id list}")
	require.Error(t, svc.Add(context.Background(), []memory.Message{msg}))
	require.Empty(t, plane.Drain())
}

func TestMemoryUpdate_IntentDeclinesLeavesWorkingSetAlone(t *testing.T) {
	cube, store := testutil.NewCubeBuilder(t, "c1").
		WithItem("wm-1", "already in working memory").
		WithWorking("wm-1").
		Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	deps.ChatLLM = &testutil.ScriptedLLM{Responses: []string{
		`{"trigger_retrieval": false, "missing_evidences": []}`,
	}}
	// Consume the first-due periodic trigger so only the intent decision
	// is in play.
	deps.Monitors.ForcedRetrievalDue("alice", "c1", time.Minute)
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, "nothing new here")
	require.NoError(t, svc.MemoryUpdate(context.Background(), []memory.Message{msg}))

	working, err := store.GetWorkingMemory(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, working, 1)
	require.Equal(t, "wm-1", working[0].ID)
	require.Empty(t, plane.Drain(), "a quiet turn publishes nothing")

	// The query still enters the history.
	require.Equal(t, []string{"nothing new here"}, deps.Monitors.QueryHistory("alice", "c1"))
}

func TestMemoryUpdate_TriggeredReplacesWorkingMemory(t *testing.T) {
	cube, store := testutil.NewCubeBuilder(t, "c1").
		WithItem("lt-1", "enjoys drinking coffee daily", testutil.WithUser("alice")).
		Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	deps.ChatLLM = &testutil.ScriptedLLM{Responses: []string{
		`{"trigger_retrieval": true, "missing_evidences": ["coffee"]}`,
	}}
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, "tell me about coffee")
	require.NoError(t, svc.MemoryUpdate(context.Background(), []memory.Message{msg}))

	working, err := store.GetWorkingMemory(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, working, 1)
	require.Equal(t, "lt-1", working[0].ID)

	events := plane.Drain()
	require.Len(t, events, 1)
	require.Equal(t, weblog.UpdateMemory, events[0].Label)
	require.Equal(t, "lt-1", events[0].Content[0].MemoryID)
}

func TestMemoryUpdate_ForcedRecallWithoutLLM(t *testing.T) {
	cube, store := testutil.NewCubeBuilder(t, "c1").
		WithItem("lt-1", "enjoys drinking coffee daily", testutil.WithUser("alice")).
		Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, "coffee")
	require.NoError(t, svc.MemoryUpdate(context.Background(), []memory.Message{msg}))

	working, err := store.GetWorkingMemory(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, working, 1, "timed fallback forces retrieval when no LLM is configured")
	require.Equal(t, "lt-1", working[0].ID)
}

func TestMemoryUpdate_FastModeItemsDoNotSurviveReplace(t *testing.T) {
	// fast-0 sits in the outgoing working set with the provisional tag
	// and must be dropped by the replacement; keep-0 survives.
	cube, store := testutil.NewCubeBuilder(t, "c1").
		WithItem("fast-0", "provisional fast path sighting", testutil.WithUser("alice"),
			testutil.WithTags("mode:fast")).
		WithItem("keep-0", "established bicycle preference", testutil.WithUser("alice")).
		WithItem("lt-1", "permanent coffee preference", testutil.WithUser("alice")).
		WithWorking("fast-0", "keep-0").
		Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	deps.ChatLLM = &testutil.ScriptedLLM{Responses: []string{
		`{"trigger_retrieval": true, "missing_evidences": ["coffee"]}`,
	}}
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, "coffee")
	require.NoError(t, svc.MemoryUpdate(context.Background(), []memory.Message{msg}))
	plane.Drain()

	working, err := store.GetWorkingMemory(context.Background(), "alice")
	require.NoError(t, err)
	ids := make([]string, len(working))
	for i, it := range working {
		ids[i] = it.ID
	}
	require.NotContains(t, ids, "fast-0")
	require.Contains(t, ids, "keep-0")
	require.Contains(t, ids, "lt-1")
}

func TestMemoryUpdate_RerankUsesPersistedQueryHistory(t *testing.T) {
	cube, store := testutil.NewCubeBuilder(t, "c1").
		WithItem("lt-1", "enjoys drinking coffee daily", testutil.WithUser("alice")).
		Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	deps.ChatLLM = &testutil.ScriptedLLM{Responses: []string{
		`{"trigger_retrieval": false, "missing_evidences": []}`,
		`{"trigger_retrieval": true, "missing_evidences": ["coffee"]}`,
	}}
	post := &testutil.ScriptedLLM{Responses: []string{
		`{"new_order": [0]}`,
		`{"keep": [true]}`,
	}}
	deps.Post = postproc.NewProcessor(post, nil, prompt.NewStore(), 0, 0)
	deps.Monitors.ForcedRetrievalDue("alice", "c1", time.Minute)
	svc := NewService(deps)

	// First turn only lands in the history; the second triggers retrieval.
	first := memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, "weekend bicycle rides")
	require.NoError(t, svc.MemoryUpdate(context.Background(), []memory.Message{first}))
	second := memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, "coffee")
	require.NoError(t, svc.MemoryUpdate(context.Background(), []memory.Message{second}))
	plane.Drain()

	working, err := store.GetWorkingMemory(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, working, 1)

	// The relevance filter is driven by the whole persisted history, not
	// just the second turn's query.
	require.Equal(t, 2, post.CallCount())
	filterPrompt := post.Calls[1][0].Content
	require.Contains(t, filterPrompt, "weekend bicycle rides")
	require.Contains(t, filterPrompt, "coffee")
}

func TestMemoryUpdate_TimerOverridesDeclinedIntent(t *testing.T) {
	cube, store := testutil.NewCubeBuilder(t, "c1").
		WithItem("lt-1", "enjoys drinking coffee daily", testutil.WithUser("alice")).
		Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	// Valid decline from the model, but the periodic timer has elapsed
	// (fresh scope), so retrieval runs with the queries as evidence.
	deps.ChatLLM = &testutil.ScriptedLLM{Responses: []string{
		`{"trigger_retrieval": false, "missing_evidences": []}`,
	}}
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, "coffee")
	require.NoError(t, svc.MemoryUpdate(context.Background(), []memory.Message{msg}))
	plane.Drain()

	working, err := store.GetWorkingMemory(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, working, 1)
	require.Equal(t, "lt-1", working[0].ID)
}

func TestMemoryUpdate_EmptySearchStillPrunesWorkingSet(t *testing.T) {
	cube, store := testutil.NewCubeBuilder(t, "c1").
		WithItem("w-1", "first standing preference").
		WithItem("w-2", "second standing preference").
		WithItem("w-3", "third standing preference").
		WithWorking("w-1", "w-2", "w-3").
		Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	deps.Cfg.TopK = 2
	deps.ChatLLM = &testutil.ScriptedLLM{Responses: []string{
		`{"trigger_retrieval": true, "missing_evidences": ["xylophone"]}`,
	}}
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, "anything about xylophones")
	require.NoError(t, svc.MemoryUpdate(context.Background(), []memory.Message{msg}))

	// Retrieval found nothing, but the turn still reconciles and the
	// working set is capped to top_k.
	working, err := store.GetWorkingMemory(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, working, 2)
	require.Equal(t, "w-1", working[0].ID)
	require.Equal(t, "w-2", working[1].ID)

	events := plane.Drain()
	require.Len(t, events, 1)
	require.Equal(t, weblog.UpdateMemory, events[0].Label)
}

func TestMemRead_PromotesArchivesAndCleansBindings(t *testing.T) {
	cube, store := testutil.NewCubeBuilder(t, "c1").
		WithItem("raw-1", "raw conversation chunk", testutil.WithType(memory.RawFileMemory)).
		WithItem("wb-1", "working binding shadow", testutil.WithType(memory.WorkingMemory)).
		WithItem("old-lt", "superseded long-term fact", testutil.WithUser("alice")).
		WithEdge("raw-1", "wb-1", memory.EdgeWorkingBinding).
		Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	deps.Reader = &fakeReader{groups: [][]memory.Item{{
		{ID: "fine-1", Memory: "distilled long-term fact", Metadata: memory.Metadata{
			MemoryType: memory.LongTermMemory,
			MergedFrom: []string{"old-lt"},
		}},
		{ID: "raw-echo", Memory: "raw file row", Metadata: memory.Metadata{
			MemoryType: memory.RawFileMemory,
		}},
	}}}
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelMemRead, `["raw-1"]`)
	msg.UserName = "alice"
	require.NoError(t, svc.MemRead(context.Background(), []memory.Message{msg}))

	ctx := context.Background()

	// The raw item and its working binding are gone, the fine item is
	// stored, and the reader's raw-file row is dropped.
	_, err := store.Get(ctx, "raw-1")
	require.Error(t, err)
	_, err = store.Get(ctx, "wb-1")
	require.Error(t, err)
	_, err = store.Get(ctx, "raw-echo")
	require.Error(t, err)
	fine, err := store.Get(ctx, "fine-1")
	require.NoError(t, err)
	require.Equal(t, "distilled long-term fact", fine.Memory)

	// The merged_from source is archived, not deleted.
	oldLT, err := store.Get(ctx, "old-lt")
	require.NoError(t, err)
	require.Equal(t, memory.StatusArchived, oldLT.Metadata.Status)

	events := plane.Drain()
	require.Len(t, events, 1)
	event := events[0]
	require.Equal(t, weblog.AddMemory, event.Label)
	require.Equal(t, string(memory.RawFileMemory), event.FromMemoryType)
	require.Equal(t, string(memory.LongTermMemory), event.ToMemoryType)
	require.Len(t, event.Content, 1)
	require.Equal(t, "fine-1", event.Content[0].RefID)
	require.Equal(t, "distilled_long_term_fact: distilled long-term fact", event.Content[0].Content)
	require.Len(t, event.Metadata, 1)
	require.Equal(t, "fine-1", event.Metadata[0]["memory_id"])
}

func TestMemRead_CloudFoldsIntoKnowledgeBaseUpdate(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").
		WithItem("raw-1", "raw conversation chunk", testutil.WithType(memory.RawFileMemory)).
		Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	deps.Env = config.EnvCloud
	deps.Reader = &fakeReader{groups: [][]memory.Item{{
		{ID: "fine-1", Memory: "distilled long-term fact", Metadata: memory.Metadata{
			MemoryType: memory.LongTermMemory,
			SourceDoc:  "doc-9",
		}},
	}}}
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelMemRead, `["raw-1"]`)
	msg.UserName = "alice"
	require.NoError(t, svc.MemRead(context.Background(), []memory.Message{msg}))

	events := plane.Drain()
	require.Len(t, events, 1)
	event := events[0]
	require.Equal(t, weblog.KnowledgeBaseUpdate, event.Label)
	require.Equal(t, "Knowledge Base Memory Update: 1 changes.", event.LogContent)
	require.Len(t, event.Content, 1)
	require.Equal(t, weblog.OpAdd, event.Content[0].Operation)
	require.Equal(t, "fine-1", event.Content[0].MemoryID)
	require.Equal(t, "doc-9", event.Content[0].SourceDocID)
	require.Equal(t, weblog.KnowledgeBaseLogSource, event.Content[0].LogSource)
}

func TestMemRead_FailurePublishesFailedEvent(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").
		WithItem("raw-1", "raw chunk", testutil.WithType(memory.RawFileMemory)).
		Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	deps.Reader = &fakeReader{err: fmt.Errorf("reader offline")}
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelMemRead, `["raw-1"]`)
	require.Error(t, svc.MemRead(context.Background(), []memory.Message{msg}))

	events := plane.Drain()
	require.Len(t, events, 1)
	require.Equal(t, weblog.AddMemory, events[0].Label)
	require.Equal(t, "failed", events[0].Status)
	require.Contains(t, events[0].LogContent, "reader offline")
}

func TestMemRead_RequiresReader(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	svc := NewService(deps)

	err := svc.MemRead(context.Background(),
		[]memory.Message{memory.NewMessage("alice", "c1", memory.LabelMemRead, `[]`)})
	require.Error(t, err)
}

func TestMemReorganize_ReportsMergesPerTarget(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").
		WithItem("src-1", "likes espresso").
		WithItem("src-2", "drinks espresso daily").
		WithItem("post-1", "strong espresso habit").
		WithEdge("src-1", "post-1", memory.EdgeMergedTo).
		WithEdge("src-2", "post-1", memory.EdgeMergedTo).
		Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelMemReorg, `["src-1", "src-2"]`)
	require.NoError(t, svc.MemReorganize(context.Background(), []memory.Message{msg}))

	events := plane.Drain()
	require.Len(t, events, 1)
	event := events[0]
	require.Equal(t, weblog.MergeMemory, event.Label)
	require.Len(t, event.Content, 3)
	require.Equal(t, 2, *event.MemoryLen, "postMerge rows do not count")

	require.Equal(t, "merged", event.Content[0].Type)
	require.Equal(t, "src-1", event.Content[0].MemoryID)
	require.Equal(t, "post-1", event.Content[0].RefID)
	require.Equal(t, "likes espresso", event.Content[0].Content)

	post := event.Content[2]
	require.Equal(t, "postMerge", post.Type)
	require.Equal(t, "post-1", post.MemoryID)
	require.Equal(t, "strong espresso habit", post.Content)
}

func TestMemReorganize_UnlinkedMergeGetsStableRef(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").
		WithItem("src-1", "first source").
		WithItem("src-2", "second source").
		Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelMemReorg, `["src-1", "src-2"]`)
	require.NoError(t, svc.MemReorganize(context.Background(), []memory.Message{msg}))

	events := plane.Drain()
	require.Len(t, events, 1)
	ref := events[0].Content[len(events[0].Content)-1].RefID
	require.True(t, strings.HasPrefix(ref, "merge-"), ref)
	for _, e := range events[0].Content {
		require.Equal(t, ref, e.RefID, "all rows share the derived reference")
	}
	require.Equal(t, mergeRef([]string{"src-2", "src-1"}), ref, "reference is order-independent")
}

func TestMemFeedback_PublishesChanges(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	fb := &fakeFeedback{record: memory.FeedbackRecord{
		Add:    []memory.FeedbackChange{{ID: "m-1", Memory: "new fact"}},
		Update: []memory.FeedbackChange{{ID: "m-2", Memory: "revised fact", OriginMemory: "old fact"}},
	}}
	deps.Feedback = fb
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelMemFeedback, `{"verdict": "wrong"}`)
	require.NoError(t, svc.MemFeedback(context.Background(), []memory.Message{msg}))
	require.Equal(t, map[string]any{"verdict": "wrong"}, fb.payload)

	events := plane.Drain()
	require.Len(t, events, 1)
	event := events[0]
	require.Equal(t, weblog.KnowledgeBaseUpdate, event.Label)
	require.Equal(t, "Knowledge Base Memory Update: 2 changes.", event.LogContent)
	require.Equal(t, weblog.OpAdd, event.Content[0].Operation)
	require.Equal(t, weblog.OpUpdate, event.Content[1].Operation)
	require.Equal(t, "old fact", event.Content[1].OriginalContent)
}

func TestMemFeedback_NoChangesPublishesNothing(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	deps.Feedback = &fakeFeedback{}
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelMemFeedback, `{}`)
	require.NoError(t, svc.MemFeedback(context.Background(), []memory.Message{msg}))
	require.Empty(t, plane.Drain())
}

func TestPrefAdd_StoresExtractedPreferences(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").Build()
	pref := &fakePrefMem{extracted: []memory.Item{
		memory.NewItem("prefers dark roast", memory.Metadata{UserID: "alice"}),
	}}
	cube.PrefMem = pref
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelPrefAdd, "")
	msg.ChatHistory = []memory.ChatTurn{
		{Role: "user", Content: "I only drink dark roast"},
		{Role: "assistant", Content: "noted"},
	}
	require.NoError(t, svc.PrefAdd(context.Background(), []memory.Message{msg}))

	require.Len(t, pref.turns, 2)
	require.Len(t, pref.stored, 1)
	require.Equal(t, "prefers dark roast", pref.stored[0].Memory)
}

func TestPrefAdd_ContentFallbackTurn(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").Build()
	pref := &fakePrefMem{}
	cube.PrefMem = pref
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	svc := NewService(deps)

	msg := memory.NewMessage("alice", "c1", memory.LabelPrefAdd, "tea over coffee")
	require.NoError(t, svc.PrefAdd(context.Background(), []memory.Message{msg}))
	require.Equal(t, []memory.ChatTurn{{Role: "user", Content: "tea over coffee"}}, pref.turns)
}

func TestPrefAdd_RequiresPreferenceMemory(t *testing.T) {
	cube, _ := testutil.NewCubeBuilder(t, "c1").Build()
	deps, plane := newDeps(cube)
	t.Cleanup(plane.Close)
	svc := NewService(deps)

	err := svc.PrefAdd(context.Background(),
		[]memory.Message{memory.NewMessage("alice", "c1", memory.LabelPrefAdd, "x")})
	require.Error(t, err)
}

func TestParseIDList(t *testing.T) {
	ids, err := parseIDList(`["a", "b"]`)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)

	ids, err = parseIDList(`"single"`)
	require.NoError(t, err)
	require.Equal(t, []string{"single"}, ids)

	_, err = parseIDList("plain text")
	require.Error(t, err)
}
