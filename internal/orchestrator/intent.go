package orchestrator

import (
	"regexp"
	"strings"
)

// Workflow control is driven by classified free-text utterances rather than
// commands, so each category is a fixed pattern set with locale variants.
// All matching is exact after trim/lowercase; substrings deliberately do not
// count, to keep ordinary conversation from flipping phases.

var activatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^/?orchestrate$`),
	regexp.MustCompile(`(?i)^/?pabcd$`),
	regexp.MustCompile(`(?i)^orchestration(?:\s*mode)?$`),
	regexp.MustCompile(`^지휘\s*모드$`),
	regexp.MustCompile(`^오케스트레이션(?:\s*모드)?$`),
}

// IsActivateIntent reports whether the text is an explicit workflow trigger.
// Arbitrary complex-looking prompts never activate the workflow.
func IsActivateIntent(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	for _, re := range activatePatterns {
		if re.MatchString(t) {
			return true
		}
	}
	return false
}

var approveUtterances = map[string]bool{
	"ok": true, "okay": true, "lgtm": true, "yes": true,
	"approve": true, "approved": true, "go": true, "go ahead": true,
	"proceed": true, "next": true, "good": true,
	"네": true, "응": true, "좋아": true, "승인": true,
	"진행": true, "진행해": true, "ㄱㄱ": true, "오케이": true,
}

// IsApproveIntent recognizes approval utterances that auto-advance P->A,
// A->B, and B->C. C->D and D->IDLE require the explicit control command.
func IsApproveIntent(text string) bool {
	return approveUtterances[strings.ToLower(strings.TrimSpace(text))]
}

var continueUtterances = map[string]bool{
	"continue": true, "resume": true, "keep going": true,
	"계속": true, "계속해": true, "이어서": true, "이어서 해": true,
}

// IsContinueIntent recognizes requests to pick up unfinished work.
func IsContinueIntent(text string) bool {
	return continueUtterances[strings.ToLower(strings.TrimSpace(text))]
}

var resetUtterances = map[string]bool{
	"reset": true, "phase reset": true,
	"리셋": true, "리셋해": true, "페이즈 리셋": true,
}

// IsResetIntent recognizes workflow reset requests. Exact match only:
// "reset now" or "리셋해줘" are conversation, not commands.
func IsResetIntent(text string) bool {
	return resetUtterances[strings.ToLower(strings.TrimSpace(text))]
}
