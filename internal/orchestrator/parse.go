package orchestrator

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Extraction tags the outcome of scanning free text for an embedded JSON
// block. Agent output is not schema-constrained, so ambiguity is localized
// here instead of leaking into the orchestration logic.
type Extraction int

const (
	ExtractNotFound Extraction = iota
	ExtractFound
	ExtractMalformed
)

// SubtaskSpec is the raw wire shape of one delegated sub-task, as emitted by
// the primary agent inside its free-text response.
type SubtaskSpec struct {
	Agent        string       `json:"agent"`
	Role         string       `json:"role"`
	Task         string       `json:"task"`
	StartPhase   int          `json:"start_phase"`
	EndPhase     int          `json:"end_phase"`
	Checkpoint   bool         `json:"checkpoint"`
	Parallel     bool         `json:"parallel"`
	Verification Verification `json:"verification"`
}

// Verification carries the pass/fail criteria and the file set a sub-task
// claims; affected_files drives the parallel-safety validator.
type Verification struct {
	PassCriteria  string   `json:"pass_criteria"`
	FailCriteria  string   `json:"fail_criteria"`
	AffectedFiles []string `json:"affected_files"`
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// extractObjectWithKey finds the first JSON object in text whose body
// mentions the given key, preferring fenced blocks over raw objects.
func extractObjectWithKey(text, key string) (string, Extraction) {
	needle := `"` + key + `"`

	for _, m := range fencedJSONRe.FindAllStringSubmatch(text, -1) {
		if strings.Contains(m[1], needle) {
			if json.Valid([]byte(m[1])) {
				return m[1], ExtractFound
			}
			return "", ExtractMalformed
		}
	}

	// Raw scan: try every balanced top-level object containing the key.
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end, ok := balancedObjectEnd(text, i)
		if !ok {
			continue
		}
		candidate := text[i : end+1]
		if strings.Contains(candidate, needle) {
			if json.Valid([]byte(candidate)) {
				return candidate, ExtractFound
			}
			return "", ExtractMalformed
		}
		// Skip past this object; nested objects with the key would have
		// been covered by the outer candidate.
		i = end
	}

	return "", ExtractNotFound
}

// balancedObjectEnd returns the index of the brace closing the object that
// opens at start, honoring JSON string literals and escapes.
func balancedObjectEnd(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// ParseSubtasks extracts the embedded {"subtasks":[...]} block from agent
// output. Malformed JSON is reported, not raised; callers treat it as "no
// sub-tasks".
func ParseSubtasks(text string) ([]SubtaskSpec, Extraction) {
	raw, status := extractObjectWithKey(text, "subtasks")
	if status != ExtractFound {
		return nil, status
	}
	var parsed struct {
		Subtasks []SubtaskSpec `json:"subtasks"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, ExtractMalformed
	}
	return parsed.Subtasks, ExtractFound
}

// ParseDirectAnswer recognizes the no-dispatch response shape
// {"direct_answer": "...", "subtasks": []}.
func ParseDirectAnswer(text string) (string, bool) {
	raw, status := extractObjectWithKey(text, "direct_answer")
	if status != ExtractFound {
		return "", false
	}
	var parsed struct {
		DirectAnswer string        `json:"direct_answer"`
		Subtasks     []SubtaskSpec `json:"subtasks"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", false
	}
	if parsed.DirectAnswer == "" || len(parsed.Subtasks) > 0 {
		return "", false
	}
	return parsed.DirectAnswer, true
}

var phasesCompletedRe = regexp.MustCompile(`\{[^{}]*"phases_completed"\s*:\s*\[[\d,\s]*\][^{}]*\}`)

// ParsePhasesCompleted extracts the {"phases_completed":[...]} hint a worker
// may emit after finishing several phases in one pass. Best effort: parse
// failures yield nil.
func ParsePhasesCompleted(text string) []int {
	m := phasesCompletedRe.FindString(text)
	if m == "" {
		return nil
	}
	var parsed struct {
		PhasesCompleted []int `json:"phases_completed"`
	}
	if err := json.Unmarshal([]byte(m), &parsed); err != nil {
		return nil
	}
	return parsed.PhasesCompleted
}

// StripSubtaskJSON removes embedded subtask/direct_answer JSON (fenced or
// raw) from a response, leaving the human-readable remainder.
func StripSubtaskJSON(text string) string {
	out := fencedJSONRe.ReplaceAllStringFunc(text, func(block string) string {
		if strings.Contains(block, `"subtasks"`) || strings.Contains(block, `"direct_answer"`) {
			return ""
		}
		return block
	})

	// Raw objects outside fences.
	for {
		raw, status := extractObjectWithKey(out, "subtasks")
		if status != ExtractFound {
			break
		}
		out = strings.Replace(out, raw, "", 1)
	}

	return strings.TrimSpace(out)
}
