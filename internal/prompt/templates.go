package prompt

// Template names referenced by the pipelines.
const (
	MemoryReranking       = "memory_reranking"
	AnswerAbility         = "memory_answer_ability_evaluation"
	RewriteEnhancement    = "memory_rewrite_enhancement"
	RecreateEnhancement   = "memory_recreate_enhancement"
	EnlargeRecall         = "enlarge_recall"
	IntentRecognizing     = "query_intent_recognizing"
	RelevanceFiltering    = "memory_relevance_filtering"
	RedundancyFiltering   = "memory_redundancy_filtering"
)

var builtins = map[string]string{
	MemoryReranking: `You are a memory reranking assistant.

Given the user's recent queries and the current ordering of memory snippets,
produce an ordering that puts the most relevant snippets first.

Queries:
{{join .queries "\n"}}

Current order:
{{join .current_order "\n"}}

Respond with a JSON object only:
{"new_order": [<indices of memories, most relevant first>], "reasoning": "<one sentence>"}`,

	AnswerAbility: `Judge whether the memories below are sufficient to answer the query.

Query: {{.query}}

Memories:
{{.memory_list}}

Respond with a JSON object only:
{"result": true|false, "reason": "<one sentence>"}`,

	RewriteEnhancement: `Rewrite each memory below so it directly addresses the query history,
keeping all factual content. Return one line per memory in the form
"- [index] rewritten text", preserving the original indices.

Query history:
{{.query_history}}

Memories:
{{.memories}}`,

	RecreateEnhancement: `Using the query history and the memories below, write a fresh set of
concise memory statements that capture everything relevant. Return one
line per statement in the form "- statement".

Query history:
{{.query_history}}

Memories:
{{.memories}}`,

	EnlargeRecall: `The memories below may be missing information needed for the query.
If more recall is needed, produce a short retrieval hint.

Query: {{.query}}

Memories:
{{.memories_inline}}

Respond with a JSON object only:
{"hint": "<search hint or empty string>", "trigger_recall": true|false}`,

	IntentRecognizing: `Decide whether answering the latest queries requires retrieving
additional memories beyond the current working set.

Queries:
{{join .queries "\n"}}

Working memories:
{{.working_memories}}

Respond with a JSON object only:
{"trigger_retrieval": true|false, "missing_evidences": ["<evidence to search for>", ...]}`,

	RelevanceFiltering: `For each memory below, decide whether it is relevant to any query in
the history.

Query history:
{{join .queries "\n"}}

Memories:
{{.memories}}

Respond with a JSON object only:
{"keep": [true|false per memory, in order]}`,

	RedundancyFiltering: `For each memory below, decide whether it is redundant given the
memories before it.

Query history:
{{join .queries "\n"}}

Memories:
{{.memories}}

Respond with a JSON object only:
{"keep": [true|false per memory, in order]}`,
}
