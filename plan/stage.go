package plan

// Stage is a pipeline state
type Stage string

const (
	StageRoutePlan Stage = "ROUTE_PLAN"
	StageValidate  Stage = "VALIDATE"
	StageExecute   Stage = "EXECUTE"
	StageCompose   Stage = "COMPOSE"
	StagePresent   Stage = "PRESENT"
	StageDone      Stage = "DONE"
	StageRejected  Stage = "REJECTED"
	StageFailed    Stage = "FAILED"
)

// Stages lists the working stages in pipeline order
var Stages = []Stage{StageRoutePlan, StageValidate, StageExecute, StageCompose, StagePresent}

// Index returns the position of s in Stages, or -1 for terminal states
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether s ends a run
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageRejected || s == StageFailed
}
