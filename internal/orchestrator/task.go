package orchestrator

// roleProfiles is the canonical phase set per role. Docs work has no audit or
// debug phase of its own; unknown roles get a development-only profile.
var roleProfiles = map[string][]int{
	"frontend": {1, 2, 3, 4, 5},
	"backend":  {1, 2, 3, 4, 5},
	"data":     {1, 2, 3, 4, 5},
	"docs":     {1, 3, 5},
}

var defaultProfile = []int{3}

// TaskPhase is the per-sub-task execution descriptor, constructed fresh per
// dispatch round and discarded after it.
type TaskPhase struct {
	Agent        string
	Role         string
	Task         string
	StartPhase   int
	EndPhase     int
	PhaseProfile []int
	// Invariant: CurrentPhase == PhaseProfile[CurrentPhaseIdx].
	CurrentPhaseIdx int
	CurrentPhase    int
	Checkpoint      bool
	Checkpointed    bool
	Completed       bool
	Parallel        bool
	Verification    Verification
}

// InitTaskPhases builds execution descriptors from raw sub-task specs.
// The [start_phase, end_phase] window is intersected with the role's
// canonical profile; an empty intersection falls back to the next available
// phase at or after start, so the profile is never empty.
func InitTaskPhases(specs []SubtaskSpec) []*TaskPhase {
	tasks := make([]*TaskPhase, 0, len(specs))
	for _, spec := range specs {
		full := roleProfiles[spec.Role]
		if full == nil {
			full = defaultProfile
		}
		minPhase := full[0]
		maxPhase := full[len(full)-1]

		start := spec.StartPhase
		if start <= 0 {
			start = minPhase
		}
		if start > 5 {
			start = 5
		}
		end := spec.EndPhase
		if end <= 0 {
			end = maxPhase
		}
		if end > maxPhase {
			end = maxPhase
		}
		// Inverted windows clamp end up to start.
		if end < start {
			end = start
		}

		var profile []int
		for _, p := range full {
			if p >= start && p <= end {
				profile = append(profile, p)
			}
		}
		if len(profile) == 0 {
			fallback := maxPhase
			for _, p := range full {
				if p >= start {
					fallback = p
					break
				}
			}
			profile = []int{fallback}
		}

		tasks = append(tasks, &TaskPhase{
			Agent:           spec.Agent,
			Role:            spec.Role,
			Task:            spec.Task,
			StartPhase:      start,
			EndPhase:        end,
			PhaseProfile:    profile,
			CurrentPhaseIdx: 0,
			CurrentPhase:    profile[0],
			Checkpoint:      spec.Checkpoint,
			Parallel:        spec.Parallel,
			Verification:    spec.Verification,
		})
	}
	return tasks
}

// RemainingPhases lists the phases from the current index onward.
func (t *TaskPhase) RemainingPhases() []int {
	return t.PhaseProfile[t.CurrentPhaseIdx:]
}
