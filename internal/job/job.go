package job

import "sync/atomic"

// Job is one transcription request. SourcePath is owned by the job until it
// reaches a terminal state.
type Job struct {
	ID         string
	SourcePath string
	Language   string
	Attempt    int

	cancelled atomic.Bool
}

func New(id, sourcePath, language string) *Job {
	return &Job{ID: id, SourcePath: sourcePath, Language: language, Attempt: 1}
}

// Cancel requests cooperative cancellation. The runner observes it at the
// next segment boundary.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
}

func (j *Job) Cancelled() bool {
	return j.cancelled.Load()
}

// PartialPath is the partial-transcript artifact for a source file.
func PartialPath(sourcePath string) string {
	return sourcePath + ".partial.txt"
}
