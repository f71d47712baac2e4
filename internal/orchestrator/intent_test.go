package orchestrator

import "testing"

func TestIsActivateIntent(t *testing.T) {
	yes := []string{
		"orchestrate", "/orchestrate", "ORCHESTRATE",
		"pabcd", "/pabcd", "PABCD",
		"orchestration", "orchestration mode", "orchestrationmode",
		"지휘 모드", "지휘모드",
		"오케스트레이션", "오케스트레이션 모드",
		"  orchestrate  ",
	}
	no := []string{
		"", "please orchestrate this project",
		"orchestrate the build", "run pabcd now",
		"I want orchestration of everything",
		"build me a complex multi-service system with auth and billing",
	}
	for _, s := range yes {
		if !IsActivateIntent(s) {
			t.Errorf("IsActivateIntent(%q) = false, want true", s)
		}
	}
	for _, s := range no {
		if IsActivateIntent(s) {
			t.Errorf("IsActivateIntent(%q) = true, want false", s)
		}
	}
}

func TestIsApproveIntent(t *testing.T) {
	yes := []string{
		"ok", "OK", "okay", "lgtm", "LGTM", "yes", "approve", "approved",
		"go", "go ahead", "proceed", "next", "good",
		"네", "응", "좋아", "승인", "진행", "진행해", "ㄱㄱ", "오케이",
		" ok ",
	}
	no := []string{
		"", "ok then let's discuss", "that looks good to me overall",
		"approve it after fixing the tests", "go away",
	}
	for _, s := range yes {
		if !IsApproveIntent(s) {
			t.Errorf("IsApproveIntent(%q) = false, want true", s)
		}
	}
	for _, s := range no {
		if IsApproveIntent(s) {
			t.Errorf("IsApproveIntent(%q) = true, want false", s)
		}
	}
}

func TestIsContinueIntent(t *testing.T) {
	yes := []string{"continue", "resume", "keep going", "계속", "계속해", "이어서", "이어서 해"}
	no := []string{"", "continue with the next feature", "please resume the work"}
	for _, s := range yes {
		if !IsContinueIntent(s) {
			t.Errorf("IsContinueIntent(%q) = false, want true", s)
		}
	}
	for _, s := range no {
		if IsContinueIntent(s) {
			t.Errorf("IsContinueIntent(%q) = true, want false", s)
		}
	}
}

func TestIsResetIntent(t *testing.T) {
	yes := []string{"reset", "RESET", "phase reset", "리셋", "리셋해", "페이즈 리셋", " reset "}
	// Exact match only: decorated phrases are conversation.
	no := []string{"", "reset now", "리셋해줘", "please reset", "reset the phase machine"}
	for _, s := range yes {
		if !IsResetIntent(s) {
			t.Errorf("IsResetIntent(%q) = false, want true", s)
		}
	}
	for _, s := range no {
		if IsResetIntent(s) {
			t.Errorf("IsResetIntent(%q) = true, want false", s)
		}
	}
}
