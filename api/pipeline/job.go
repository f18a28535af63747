package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/aidss/lisbridge/api/annotation"
	"github.com/aidss/lisbridge/api/engine"
	"github.com/aidss/lisbridge/api/hl7"
	"github.com/aidss/lisbridge/api/normalize"
	"github.com/aidss/lisbridge/api/registry"
	"github.com/aidss/lisbridge/api/slide"
	"github.com/pkg/errors"
)

// Status is the lifecycle state of a job.
type Status string

// Job states. Succeeded, Failed and Cancelled are terminal.
const (
	Queued    Status = "queued"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// FailureKind classifies why a request did not succeed.
type FailureKind string

// Failure kinds.
const (
	UnknownModel           FailureKind = "UnknownModel"
	SlideNotFound          FailureKind = "SlideNotFound"
	EngineFatal            FailureKind = "EngineFatal"
	EngineRetriesExhausted FailureKind = "EngineRetriesExhausted"
	Normalization          FailureKind = "Normalization"
	Annotation             FailureKind = "Annotation"
	QueueFull              FailureKind = "QueueFull"
	Shutdown               FailureKind = "Cancelled"
	Timeout                FailureKind = "Timeout"
	Internal               FailureKind = "Internal"
)

var (
	// ErrQueueFull is returned when the dispatch queue has no room for a job.
	ErrQueueFull = errors.New("dispatch queue is full")
	// ErrShutdown is returned for jobs cancelled by a shutdown.
	ErrShutdown = errors.New("dispatcher is shutting down")
)

// Classify maps an error to the failure kind recorded for a request.
func Classify(err error) FailureKind {
	var (
		unknown  *registry.UnknownModelError
		notFound *slide.NotFoundError
		execErr  *engine.ExecutionError
		normErr  *normalize.Error
		buildErr *annotation.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrShutdown), errors.Is(err, context.Canceled):
		return Shutdown
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, ErrQueueFull):
		return QueueFull
	case errors.As(err, &unknown):
		return UnknownModel
	case errors.As(err, &notFound):
		return SlideNotFound
	case errors.As(err, &execErr):
		if execErr.Exhausted {
			return EngineRetriesExhausted
		}
		return EngineFatal
	case errors.As(err, &normErr):
		return Normalization
	case errors.As(err, &buildErr):
		return Annotation
	}
	return Internal
}

// Key identifies the jobs that deduplicate onto each other.
type Key struct {
	Sample string
	Model  string
}

func (k Key) String() string {
	return k.Sample + "/" + k.Model
}

// JobInfo is a point in time view of a job.
type JobInfo struct {
	ID       string      `json:"id"`
	Sample   string      `json:"sample"`
	Model    string      `json:"model"`
	Kind     string      `json:"kind"`
	Status   Status      `json:"status"`
	Failure  FailureKind `json:"failure,omitempty"`
	Error    string      `json:"error,omitempty"`
	Attempts int         `json:"attempts"`
	Device   int         `json:"device"`
	Waiters  int         `json:"waiters"`
	Queued   time.Time   `json:"queued"`
	Started  *time.Time  `json:"started,omitempty"`
	Finished *time.Time  `json:"finished,omitempty"`
}

// Job is one execution of a model against a sample. Its state is only changed
// by the worker running it; the terminal transition happens exactly once.
type Job struct {
	ID    string
	Key   Key
	Entry registry.Entry

	mutex    sync.RWMutex
	status   Status
	failure  FailureKind
	err      error
	attempts int
	device   int
	waiters  int
	queued   time.Time
	started  time.Time
	finished time.Time
	result   *normalize.Result
	bundle   string

	once sync.Once
	done chan struct{}
}

func newJob(id string, key Key, entry registry.Entry) *Job {
	return &Job{
		ID:     id,
		Key:    key,
		Entry:  entry,
		status: Queued,
		device: -1,
		queued: time.Now(),
		done:   make(chan struct{}),
	}
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Status returns the current state of the job.
func (j *Job) Status() Status {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.status
}

func (j *Job) attach() {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.waiters++
}

func (j *Job) start(device int) bool {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.status != Queued {
		return false
	}
	j.status = Running
	j.device = device
	j.started = time.Now()
	return true
}

func (j *Job) setAttempts(n int) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.attempts = n
}

// finish moves the job to its terminal state and wakes every waiter. Only
// the first call has an effect.
func (j *Job) finish(status Status, err error, result *normalize.Result, bundle string) bool {
	finished := false
	j.once.Do(func() {
		j.mutex.Lock()
		j.status = status
		j.err = err
		j.failure = Classify(err)
		j.result = result
		j.bundle = bundle
		j.finished = time.Now()
		j.mutex.Unlock()
		close(j.done)
		finished = true
	})
	return finished
}

// Info returns a snapshot of the job.
func (j *Job) Info() JobInfo {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	info := JobInfo{
		ID:       j.ID,
		Sample:   j.Key.Sample,
		Model:    j.Key.Model,
		Kind:     j.Entry.Kind.String(),
		Status:   j.status,
		Failure:  j.failure,
		Attempts: j.attempts,
		Device:   j.device,
		Waiters:  j.waiters,
		Queued:   j.queued,
	}
	if j.err != nil {
		info.Error = j.err.Error()
	}
	if !j.started.IsZero() {
		started := j.started
		info.Started = &started
	}
	if !j.finished.IsZero() {
		finished := j.finished
		info.Finished = &finished
	}
	return info
}

// Outcome is the state of one specimen request.
type Outcome struct {
	Request  hl7.SpecimenRequest
	JobID    string
	Status   Status
	Failure  FailureKind
	Err      error
	Attempts int
	Result   *normalize.Result
	Bundle   string
}

// Future tracks the completion of one specimen request. Requests attached to
// the same job share its completion.
type Future struct {
	request hl7.SpecimenRequest
	job     *Job
	// immediate outcomes of requests that never became a job
	outcome *Outcome
	done    chan struct{}
}

func resolved(req hl7.SpecimenRequest, status Status, err error) *Future {
	done := make(chan struct{})
	close(done)
	return &Future{
		request: req,
		outcome: &Outcome{Request: req, Status: status, Failure: Classify(err), Err: err},
		done:    done,
	}
}

func attached(req hl7.SpecimenRequest, job *Job) *Future {
	return &Future{request: req, job: job, done: job.done}
}

// Request returns the tracked request.
func (f *Future) Request() hl7.SpecimenRequest {
	return f.request
}

// Done is closed when the outcome is final.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Outcome returns the current outcome. It is final once Done is closed.
func (f *Future) Outcome() Outcome {
	if f.outcome != nil {
		return *f.outcome
	}
	j := f.job
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return Outcome{
		Request:  f.request,
		JobID:    j.ID,
		Status:   j.status,
		Failure:  j.failure,
		Err:      j.err,
		Attempts: j.attempts,
		Result:   j.result,
		Bundle:   j.bundle,
	}
}

// Ticket groups the futures of one order.
type Ticket struct {
	Order   *hl7.Order
	Futures []*Future
	// Skipped are the requests left out by the multi segment policy.
	Skipped []hl7.SpecimenRequest
}
