package memory

import (
	"fmt"
	"strings"
)

const (
	conflictTitle  = "[possibly conflicting memories]"
	duplicateTitle = "[possibly duplicate memories]"

	maxPerItemLen = 200
	maxSectionLen = 1000
)

// AppendRelatedContent appends conflict and duplicate memory snippets to a
// memory text. Individual snippets are truncated and each section is capped
// so the result stays within prompt-friendly bounds. The original text is
// recoverable via DetachRelatedContent.
func AppendRelatedContent(text string, conflicts, duplicates []string) string {
	var appended strings.Builder
	appended.WriteString(formatSection(conflictTitle, conflicts))
	appended.WriteString(formatSection(duplicateTitle, duplicates))
	return text + appended.String()
}

func formatSection(title string, items []string) string {
	if len(items) == 0 {
		return ""
	}

	var content strings.Builder
	for _, mem := range items {
		snippet := mem
		if len(snippet) > maxPerItemLen {
			snippet = snippet[:maxPerItemLen] + "..."
		}
		if content.Len()+len(snippet)+5 > maxSectionLen {
			content.WriteString("\n- ... (more items truncated)")
			break
		}
		content.WriteString("\n- ")
		content.WriteString(snippet)
	}

	return fmt.Sprintf("\n\n%s:%s", title, content.String())
}

// DetachRelatedContent strips any appended related-memory sections, cutting
// at the earliest section marker. Text without markers is returned unchanged.
func DetachRelatedContent(text string) string {
	markers := []string{"\n\n" + conflictTitle + ":", "\n\n" + duplicateTitle + ":"}

	cut := -1
	for _, marker := range markers {
		if idx := strings.Index(text, marker); idx != -1 && (cut == -1 || idx < cut) {
			cut = idx
		}
	}
	if cut != -1 {
		return text[:cut]
	}
	return text
}
