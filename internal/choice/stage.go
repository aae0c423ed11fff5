package choice

import "fmt"

// Stage is the discrete presentation mode. Stage 0 routes every choice into
// the durable collective state; stages 1 through 4 pass choices straight to
// presentation sessions without aggregation.
type Stage int

// StageSolo is the single-target aggregating mode every deployment starts in.
const StageSolo Stage = 0

// MaxStage is the highest multi-target mode.
const MaxStage Stage = 4

// ErrStageOutOfRange reports a stage value outside [0, 4].
type ErrStageOutOfRange struct {
	Stage Stage
}

func (e ErrStageOutOfRange) Error() string {
	return fmt.Sprintf("stage %d is outside [0, %d]", int(e.Stage), int(MaxStage))
}

// Valid reports whether the stage is inside the closed [0, 4] range.
func (s Stage) Valid() bool {
	return s >= StageSolo && s <= MaxStage
}

// Aggregates reports whether choices submitted in this stage are durably
// aggregated. Only the solo stage aggregates; every other stage is
// passthrough.
func (s Stage) Aggregates() bool {
	return s == StageSolo
}

// TargetCount is how many presentation targets the stage lays out. The
// counts follow the stage layout table: solo, pair, square, hexagon, circle.
func (s Stage) TargetCount() int {
	switch s {
	case 1:
		return 2
	case 2:
		return 4
	case 3:
		return 6
	case 4:
		return 8
	default:
		return 1
	}
}
