package embedding

import (
	"strings"

	"engram/internal/types"
)

// FormatMarker versions the embedding input text. Texts carrying the
// marker were built with the current rich format (type + summary +
// decisions + lessons); older, simpler texts lack it and trigger
// re-embedding during backfill.
const FormatMarker = "[embed:v2]"

// BuildNodeText assembles the embedding input for a node in the current
// rich format.
func BuildNodeText(node *types.Node) string {
	var sb strings.Builder
	sb.WriteString(FormatMarker)
	sb.WriteString("\ntype: ")
	sb.WriteString(string(node.Type))
	sb.WriteString(" outcome: ")
	sb.WriteString(string(node.Outcome))
	sb.WriteString("\nsummary: ")
	sb.WriteString(node.Summary)
	for _, d := range node.Decisions {
		sb.WriteString("\ndecision: ")
		sb.WriteString(d.What)
		if d.Why != "" {
			sb.WriteString(" because ")
			sb.WriteString(d.Why)
		}
	}
	for _, l := range node.Lessons {
		sb.WriteString("\nlesson (")
		sb.WriteString(string(l.Level))
		sb.WriteString("): ")
		sb.WriteString(l.Text)
	}
	if len(node.Topics) > 0 {
		sb.WriteString("\ntopics: ")
		sb.WriteString(strings.Join(node.Topics, ", "))
	}
	return sb.String()
}

// IsRichFormat reports whether an embedding input text was built with the
// current format.
func IsRichFormat(inputText string) bool {
	return strings.Contains(inputText, FormatMarker)
}
