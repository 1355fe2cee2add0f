package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/csvingest/internal/ingest"
)

// job is one import from upload to outcome. The pipeline is driven under mu
// until a commit starts; from then on only the commit goroutine touches it
// and everyone else reads the cached fields.
type job struct {
	id      string
	src     *spoolSource
	log     *slog.Logger
	created time.Time

	mu        sync.Mutex
	pipeline  *ingest.Pipeline
	preview   *ingest.Preview
	state     ingest.State
	progress  ingest.Progress
	result    *ingest.Result
	err       error
	cancel    context.CancelFunc
	done      chan struct{} // nil until a commit starts
	touched   time.Time
	listeners []chan ingest.Progress
}

// onProgress is the pipeline's progress callback.
func (j *job) onProgress(p ingest.Progress) bool {
	j.mu.Lock()
	j.progress = p
	j.mu.Unlock()
	j.notifyProgress(p)
	return true
}

// notifyProgress sends p to all listeners, skipping slow ones.
func (j *job) notifyProgress(p ingest.Progress) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, ch := range j.listeners {
		select {
		case ch <- p:
		default:
		}
	}
}

// subscribe returns a channel that gets the current progress right away and
// is closed when the commit finishes.
func (j *job) subscribe() <-chan ingest.Progress {
	ch := make(chan ingest.Progress, 10)

	j.mu.Lock()
	defer j.mu.Unlock()
	ch <- j.progress
	if j.state.Terminal() {
		close(ch)
		return ch
	}
	j.listeners = append(j.listeners, ch)
	return ch
}

// unsubscribe drops ch if the job still holds it.
func (j *job) unsubscribe(ch <-chan ingest.Progress) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, l := range j.listeners {
		if l == ch {
			j.listeners = append(j.listeners[:i], j.listeners[i+1:]...)
			close(l)
			return
		}
	}
}

// finish records the commit outcome and releases listeners and waiters.
func (j *job) finish(state ingest.State, res *ingest.Result, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.state = state
	j.result = res
	j.err = err
	j.touched = time.Now()
	for _, ch := range j.listeners {
		close(ch)
	}
	j.listeners = nil
	close(j.done)
}

func (j *job) running() bool {
	return j.state == ingest.StateCommitRunning
}

// view copies the job for callers outside the lock.
func (j *job) view() *ImportView {
	j.mu.Lock()
	defer j.mu.Unlock()

	v := &ImportView{
		ID:        j.id,
		FileName:  j.src.name,
		State:     j.state,
		Progress:  j.progress,
		CreatedAt: j.created,
	}
	if j.pipeline != nil {
		v.Session = j.pipeline.Session()
		v.Schema = j.pipeline.Schema()
	}
	if j.preview != nil {
		pv := *j.preview
		pv.Columns = append([]ingest.ColumnState(nil), j.preview.Columns...)
		v.Preview = &pv
	}
	if j.result != nil {
		res := *j.result
		v.Result = &res
	}
	if j.err != nil {
		msg := MapError(j.err)
		v.Error = &msg
	}
	return v
}

func (j *job) checkState(want ingest.State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != want {
		return fmt.Errorf("%w: import is %s", ingest.ErrInvalidState, j.state)
	}
	return nil
}
