package status

import (
	"sync"
	"sync/atomic"
	"time"
)

type State string

const (
	Queued    State = "queued"
	Running   State = "running"
	Succeeded State = "succeeded"
	Failed    State = "failed"
)

func (s State) Terminal() bool {
	return s == Succeeded || s == Failed
}

type Progress struct {
	Current     int
	Total       int
	PartialText string
}

// Snapshot is a point-in-time view of one job. Snapshots are immutable once
// published; readers receive copies.
type Snapshot struct {
	JobID         string
	State         State
	Attempt       int
	Progress      Progress
	Transcription string
	Error         string
	ErrorKind     string
	LastError     string
	UpdatedAt     time.Time
}

type entry struct {
	current atomic.Pointer[Snapshot]
}

// Board holds the latest snapshot per job. Each job has a single writer;
// readers load an atomic pointer and never take a lock.
type Board struct {
	entries sync.Map
	now     func() time.Time
}

func NewBoard() *Board {
	return &Board{now: time.Now}
}

// Register records a freshly submitted job as queued.
func (b *Board) Register(jobID string) {
	e := &entry{}
	e.current.Store(&Snapshot{JobID: jobID, State: Queued, Attempt: 1, UpdatedAt: b.now()})
	b.entries.Store(jobID, e)
}

// MarkRunning starts an attempt. Progress from earlier attempts is dropped.
func (b *Board) MarkRunning(jobID string, attempt int) {
	b.update(jobID, func(s *Snapshot) bool {
		s.State = Running
		s.Attempt = attempt
		s.Progress = Progress{}
		return true
	})
}

// Publish records segment progress. Updates that would move Current
// backwards within the running attempt are ignored.
func (b *Board) Publish(jobID string, progress Progress) {
	b.update(jobID, func(s *Snapshot) bool {
		if s.State != Running && s.State != Queued {
			return false
		}
		if progress.Current < s.Progress.Current {
			return false
		}
		s.State = Running
		s.Progress = progress
		return true
	})
}

// Requeue puts a job back in the queue for another attempt after a
// retryable failure.
func (b *Board) Requeue(jobID string, attempt int, lastErr string) {
	b.update(jobID, func(s *Snapshot) bool {
		s.State = Queued
		s.Attempt = attempt
		s.Progress = Progress{}
		s.LastError = lastErr
		return true
	})
}

func (b *Board) Succeed(jobID, transcription string) {
	b.update(jobID, func(s *Snapshot) bool {
		s.State = Succeeded
		s.Transcription = transcription
		return true
	})
}

func (b *Board) Fail(jobID, kind, message string) {
	b.update(jobID, func(s *Snapshot) bool {
		s.State = Failed
		s.ErrorKind = kind
		s.Error = message
		return true
	})
}

// Read returns the latest snapshot. Unknown jobs read as queued with no
// progress.
func (b *Board) Read(jobID string) Snapshot {
	snap, ok := b.Lookup(jobID)
	if !ok {
		return Snapshot{JobID: jobID, State: Queued}
	}
	return snap
}

func (b *Board) Lookup(jobID string) (Snapshot, bool) {
	v, ok := b.entries.Load(jobID)
	if !ok {
		return Snapshot{}, false
	}
	return *v.(*entry).current.Load(), true
}

// Prune forgets terminal jobs last updated before olderThan ago and returns
// how many were removed.
func (b *Board) Prune(olderThan time.Duration) int {
	cutoff := b.now().Add(-olderThan)
	removed := 0
	b.entries.Range(func(key, value any) bool {
		snap := value.(*entry).current.Load()
		if snap.State.Terminal() && snap.UpdatedAt.Before(cutoff) {
			b.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

func (b *Board) Forget(jobID string) {
	b.entries.Delete(jobID)
}

// update applies fn to a copy of the current snapshot and swaps it in.
// Terminal snapshots are never replaced.
func (b *Board) update(jobID string, fn func(*Snapshot) bool) {
	v, ok := b.entries.Load(jobID)
	if !ok {
		return
	}
	e := v.(*entry)

	for {
		old := e.current.Load()
		if old.State.Terminal() {
			return
		}
		next := *old
		if !fn(&next) {
			return
		}
		next.UpdatedAt = b.now()
		if e.current.CompareAndSwap(old, &next) {
			return
		}
	}
}
