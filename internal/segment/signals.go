package segment

import (
	"strings"

	"engram/internal/types"
)

// Signal thresholds. A cascade needs 3 user messages in a row; a tool loop
// needs the same (tool, error kind) failing 3 times in a row.
const (
	cascadeThreshold  = 3
	toolLoopThreshold = 3
)

// Friction score weights. They sum to 1 so the score stays in [0,1].
var frictionWeights = struct {
	cascades, loops, churn, silent, switches, flags float64
}{0.25, 0.25, 0.15, 0.15, 0.10, 0.10}

// Delight score weights.
var delightWeights = struct {
	recovery, oneShot, praise float64
}{0.40, 0.35, 0.25}

// saturate maps a count onto [0,1], topping out at cap occurrences.
func saturate(n, cap int) float64 {
	if n <= 0 {
		return 0
	}
	if n >= cap {
		return 1
	}
	return float64(n) / float64(cap)
}

// frictionSignals scans a segment's entries for signs the task went badly.
func frictionSignals(entries []types.Entry, isLast bool) types.FrictionSignals {
	var sig types.FrictionSignals

	sig.RephrasingCascades = countRephrasingCascades(entries)
	sig.ToolLoops = countToolLoops(entries)
	sig.ContextChurn = contextChurn(entries)
	sig.SilentTermination = isLast && endsMidTask(entries)

	for _, e := range entries {
		if e.Type == types.EntryModelChange {
			sig.ModelSwitches++
		}
		if e.UserFlag {
			sig.ManualFlags++
		}
	}

	score := frictionWeights.cascades*saturate(sig.RephrasingCascades, 2) +
		frictionWeights.loops*saturate(sig.ToolLoops, 2) +
		frictionWeights.churn*sig.ContextChurn +
		frictionWeights.switches*saturate(sig.ModelSwitches, 3) +
		frictionWeights.flags*saturate(sig.ManualFlags, 2)
	if sig.SilentTermination {
		score += frictionWeights.silent
	}
	sig.Score = clamp01(score)
	return sig
}

// countRephrasingCascades counts runs of >=3 consecutive user messages
// with no meaningful assistant reply in between. Each qualifying run
// counts once.
func countRephrasingCascades(entries []types.Entry) int {
	cascades := 0
	run := 0
	for _, e := range entries {
		switch e.Type {
		case types.EntryUser:
			run++
			if run == cascadeThreshold {
				cascades++
			}
		case types.EntryAssistant:
			if strings.TrimSpace(e.Text) != "" {
				run = 0
			}
		}
	}
	return cascades
}

// countToolLoops counts runs of the same tool failing with the same error
// kind >=3 times in a row.
func countToolLoops(entries []types.Entry) int {
	loops := 0
	run := 0
	var lastTool, lastKind string
	for _, e := range entries {
		if e.Type != types.EntryToolResult {
			continue
		}
		if !e.IsError {
			run = 0
			continue
		}
		if e.ToolName == lastTool && e.ErrorKind == lastKind {
			run++
		} else {
			lastTool, lastKind = e.ToolName, e.ErrorKind
			run = 1
		}
		if run == toolLoopThreshold {
			loops++
		}
	}
	return loops
}

// readLikeTools are the exploration operations counted as context churn.
var readLikeTools = map[string]bool{
	"read": true, "list": true, "ls": true, "glob": true, "grep": true,
}

// contextChurn is the rate of read/list operations over distinct files
// relative to segment length: a segment spent mostly re-reading files
// scores near 1.
func contextChurn(entries []types.Entry) float64 {
	if len(entries) == 0 {
		return 0
	}
	distinct := make(map[string]struct{})
	reads := 0
	for _, e := range entries {
		if e.Type != types.EntryToolResult || !readLikeTools[strings.ToLower(e.ToolName)] {
			continue
		}
		reads++
		for _, f := range e.Files {
			distinct[f] = struct{}{}
		}
	}
	if reads < 3 || len(distinct) < 3 {
		return 0
	}
	return clamp01(float64(reads) / float64(len(entries)))
}

// endsMidTask reports whether the segment's last entry looks like work in
// flight rather than a finished exchange.
func endsMidTask(entries []types.Entry) bool {
	for i := len(entries) - 1; i >= 0; i-- {
		switch entries[i].Type {
		case types.EntryAssistant:
			return false
		case types.EntryUser, types.EntryToolResult:
			return true
		}
	}
	return false
}

// praiseMarkers are the phrases treated as explicit praise in user text.
var praiseMarkers = []string{"thank", "perfect", "great", "awesome", "nice", "excellent", "exactly right"}

// delightSignals scans a segment's entries for signs the task went well.
func delightSignals(entries []types.Entry) types.DelightSignals {
	var sig types.DelightSignals

	sig.ResilientRecoveries = countResilientRecoveries(entries)
	sig.OneShotSuccess = isOneShot(entries)
	for _, e := range entries {
		if e.Type != types.EntryUser {
			continue
		}
		text := strings.ToLower(e.Text)
		for _, marker := range praiseMarkers {
			if strings.Contains(text, marker) {
				sig.ExplicitPraise++
				break
			}
		}
	}

	score := delightWeights.recovery*saturate(sig.ResilientRecoveries, 2) +
		delightWeights.praise*saturate(sig.ExplicitPraise, 2)
	if sig.OneShotSuccess {
		score += delightWeights.oneShot
	}
	sig.Score = clamp01(score)
	return sig
}

// countResilientRecoveries counts tool errors followed by a success of the
// same tool with no user intervention in between.
func countResilientRecoveries(entries []types.Entry) int {
	recoveries := 0
	failedTool := ""
	for _, e := range entries {
		switch e.Type {
		case types.EntryUser:
			failedTool = ""
		case types.EntryToolResult:
			if e.IsError {
				failedTool = e.ToolName
			} else if failedTool != "" && e.ToolName == failedTool {
				recoveries++
				failedTool = ""
			}
		}
	}
	return recoveries
}

// isOneShot reports a multi-tool-call segment completed with zero tool
// errors and at most one user message.
func isOneShot(entries []types.Entry) bool {
	toolCalls := 0
	userMsgs := 0
	for _, e := range entries {
		switch e.Type {
		case types.EntryToolResult:
			if e.IsError {
				return false
			}
			toolCalls++
		case types.EntryUser:
			userMsgs++
		}
	}
	return toolCalls >= 2 && userMsgs <= 1
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
