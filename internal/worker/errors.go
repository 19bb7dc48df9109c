package worker

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyDocumentID = errors.New("document id is required")
	// ErrRunnerStopped is returned by Enqueue after the runner context is done.
	ErrRunnerStopped = errors.New("runner stopped")
	// ErrNoText means neither the asset nor the description produced text.
	ErrNoText = errors.New("no text available")
)

const (
	StageSettings = "settings"
	StageDownload = "download"
	StageIndex    = "index"
	StageStatus   = "status"
	StagePanic    = "panic"
)

// JobError tags a pipeline failure with the stage it happened in. Terminal
// errors are not retry candidates.
type JobError struct {
	Stage    string
	Err      error
	Terminal bool
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// stageOf reports the stage of err and whether it is terminal.
func stageOf(err error) (string, bool) {
	var je *JobError
	if errors.As(err, &je) {
		return je.Stage, je.Terminal
	}
	return "pipeline", false
}
