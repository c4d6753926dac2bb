package processor

import (
	"encoding/json"
	"fmt"
	"strings"

	"engram/internal/logging"
	"engram/internal/types"
)

// The analyzer emits newline-delimited JSON events. Lines that fail to
// parse stay in RawStdout but never fail the job; among parsed events the
// last well-formed node payload wins. When no event carries a node the
// parser falls back to scanning the raw text for JSON, bare or fenced.

// Event is one parsed analyzer output line.
type Event struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// nodePayload is the analyzer's node schema: lessons arrive grouped by
// level, everything else maps onto the node fields directly. Unknown
// fields are preserved for the document.
type nodePayload struct {
	Summary         string                `json:"summary"`
	Type            string                `json:"type"`
	Outcome         string                `json:"outcome"`
	HadClearGoal    bool                  `json:"hadClearGoal"`
	IsNewProject    bool                  `json:"isNewProject"`
	Decisions       []types.Decision      `json:"decisions"`
	Lessons         map[string][]string   `json:"lessons"`
	ModelQuirks     []types.ModelQuirk    `json:"modelQuirks"`
	ToolErrors      []types.ToolError     `json:"toolErrors"`
	Tags            []string              `json:"tags"`
	Topics          []string              `json:"topics"`
	FilesTouched    []string              `json:"filesTouched"`
	TokensUsed      int                   `json:"tokensUsed"`
	Cost            float64               `json:"cost"`
	DurationMinutes float64               `json:"durationMinutes"`
	Model           string                `json:"model"`
	Relationships   []types.Relationship  `json:"relationships"`
}

// knownPayloadFields is used to split unknown analyzer fields into
// Node.Extra.
var knownPayloadFields = map[string]bool{
	"summary": true, "type": true, "outcome": true, "hadClearGoal": true,
	"isNewProject": true, "decisions": true, "lessons": true,
	"modelQuirks": true, "toolErrors": true, "tags": true, "topics": true,
	"filesTouched": true, "tokensUsed": true, "cost": true,
	"durationMinutes": true, "model": true, "relationships": true,
}

// parseAgentOutput decodes the event stream and extracts the node payload.
func parseAgentOutput(stdout string) ([]Event, *types.Node) {
	var events []Event
	var node *types.Node

	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Not an event; maybe the node object itself on one line.
			if n, ok := decodeNode([]byte(line)); ok {
				node = n
			}
			continue
		}
		events = append(events, ev)

		raw := ev.Payload
		if len(raw) == 0 {
			raw = json.RawMessage(line)
		}
		if n, ok := decodeNode(raw); ok {
			node = n
		}
	}

	if node == nil {
		node = scanRawForNode(stdout)
	}
	return events, node
}

// decodeNode validates and converts one candidate payload.
func decodeNode(raw []byte) (*types.Node, bool) {
	var payload nodePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false
	}
	if err := validatePayload(&payload); err != nil {
		logging.ProcessorDebug("Rejected node payload: %v", err)
		return nil, false
	}

	node := &types.Node{
		Type:            types.TaskType(payload.Type),
		Outcome:         types.Outcome(payload.Outcome),
		HadClearGoal:    payload.HadClearGoal,
		IsNewProject:    payload.IsNewProject,
		Summary:         payload.Summary,
		Decisions:       payload.Decisions,
		Quirks:          payload.ModelQuirks,
		ToolErrors:      payload.ToolErrors,
		Tags:            payload.Tags,
		Topics:          payload.Topics,
		FilesTouched:    payload.FilesTouched,
		TokensUsed:      payload.TokensUsed,
		Cost:            payload.Cost,
		DurationMinutes: payload.DurationMinutes,
		Model:           payload.Model,
		Relationships:   payload.Relationships,
	}
	for level, texts := range payload.Lessons {
		for _, text := range texts {
			node.Lessons = append(node.Lessons, types.Lesson{
				Level: types.LessonLevel(level),
				Text:  text,
			})
		}
	}

	// Preserve unknown fields verbatim for the document.
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err == nil {
		for key, value := range all {
			if !knownPayloadFields[key] {
				if node.Extra == nil {
					node.Extra = make(map[string]json.RawMessage)
				}
				node.Extra[key] = value
			}
		}
	}
	return node, true
}

// validatePayload is the minimal schema check: required fields present,
// enums closed.
func validatePayload(p *nodePayload) error {
	if strings.TrimSpace(p.Summary) == "" {
		return fmt.Errorf("missing summary")
	}
	if !types.ValidTaskTypes[types.TaskType(p.Type)] {
		return fmt.Errorf("invalid type %q", p.Type)
	}
	if !types.ValidOutcomes[types.Outcome(p.Outcome)] {
		return fmt.Errorf("invalid outcome %q", p.Outcome)
	}
	for level := range p.Lessons {
		switch types.LessonLevel(level) {
		case types.LessonProject, types.LessonTask, types.LessonUser,
			types.LessonModel, types.LessonTool, types.LessonSkill, types.LessonSubagent:
		default:
			return fmt.Errorf("invalid lesson level %q", level)
		}
	}
	return nil
}

// scanRawForNode is the fallback for analyzers that print the node as a
// fenced code block or a multi-line JSON object instead of an event.
func scanRawForNode(stdout string) *types.Node {
	// Fenced blocks first: the most explicit form wins, last block preferred.
	var candidates []string
	for _, fence := range []string{"```json", "```"} {
		rest := stdout
		for {
			start := strings.Index(rest, fence)
			if start < 0 {
				break
			}
			body := rest[start+len(fence):]
			end := strings.Index(body, "```")
			if end < 0 {
				break
			}
			candidates = append(candidates, strings.TrimSpace(body[:end]))
			rest = body[end+3:]
		}
		if len(candidates) > 0 {
			break
		}
	}

	// Then balanced top-level objects in the raw text.
	if len(candidates) == 0 {
		candidates = balancedObjects(stdout)
	}

	var node *types.Node
	for _, c := range candidates {
		if n, ok := decodeNode([]byte(c)); ok {
			node = n
		}
	}
	return node
}

// balancedObjects extracts top-level {...} spans from text, tracking
// string literals so braces inside strings do not confuse the scan.
func balancedObjects(text string) []string {
	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}
