package pipeline

import (
	"context"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/aidss/lisbridge/api/annotation"
	"github.com/aidss/lisbridge/api/engine"
	"github.com/aidss/lisbridge/api/hl7"
	"github.com/aidss/lisbridge/api/ledger"
	"github.com/aidss/lisbridge/api/normalize"
	"github.com/aidss/lisbridge/api/queue"
	"github.com/aidss/lisbridge/api/registry"
	"github.com/aidss/lisbridge/api/slide"
	"github.com/aidss/lisbridge/config"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// BundleDir is the name of the annotation bundle inside a result directory.
const BundleDir = "annotation"

// Normalizer converts raw engine output into a canonical result.
type Normalizer interface {
	Normalize(entry registry.Entry, raw engine.RawOutput) (*normalize.Result, error)
}

// Builder writes annotation bundles.
type Builder interface {
	Build(dest, slideRef string, results ...*normalize.Result) (*annotation.Project, error)
}

// Recorder persists terminal job states.
type Recorder interface {
	Record(ctx context.Context, rec ledger.Record) error
}

// Stats summarizes the dispatcher state.
type Stats struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	Queued   int  `json:"queued"`
	InFlight int  `json:"in_flight"`
	Capacity int  `json:"capacity"`
}

// Dispatcher turns specimen requests into jobs, deduplicates them by sample and
// model, and runs them on a bounded pool of workers in arrival order.
type Dispatcher struct {
	config.Config
	registry   *registry.Registry
	resolver   slide.Resolver
	adapters   *engine.Adapters
	normalizer Normalizer
	builder    Builder
	recorder   Recorder
	retry      engine.RetryPolicy
	queue      *queue.ListFIFOQueue
	capacity   int

	mutex    *sync.RWMutex
	inflight map[Key]*Job
	running  bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. recorder may be nil.
func NewDispatcher(cfg *config.Config, models *registry.Registry, resolver slide.Resolver, adapters *engine.Adapters,
	normalizer Normalizer, builder Builder, recorder Recorder) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		Config:     *cfg,
		registry:   models,
		resolver:   resolver,
		adapters:   adapters,
		normalizer: normalizer,
		builder:    builder,
		recorder:   recorder,
		retry:      engine.NewRetryPolicy(cfg.Environment),
		queue:      queue.NewListFIFOQueue(cfg.Environment.DispatchQueueSize),
		capacity:   cfg.Environment.DispatchQueueSize,
		mutex:      &sync.RWMutex{},
		inflight:   map[Key]*Job{},
		ctx:        ctx,
		cancel:     cancel,
	}
	d.retry.Notify = func(err error, wait time.Duration) {
		d.Logger.Warnf("Retrying after transient engine failure in %s: %v", wait, err)
	}
	return d
}

// SetRetryPolicy replaces the retry policy used for engine runs.
func (d *Dispatcher) SetRetryPolicy(policy engine.RetryPolicy) {
	d.retry = policy
}

// Start launches the workers. Worker i runs its jobs on device i when devices
// are configured.
func (d *Dispatcher) Start() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.running || d.closed {
		return
	}
	d.running = true

	for i := 0; i < d.Environment.Parallelism; i++ {
		device := -1
		if d.Environment.DeviceCount > 0 {
			device = i
		}
		d.wg.Add(1)
		go d.work(device)
	}
	d.Logger.Infof("Started %d dispatch workers", d.Environment.Parallelism)
}

// Running indicates whether the workers are servicing the queue.
func (d *Dispatcher) Running() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.running
}

// Submit admits the requests of an order. A request for a model that is not
// in the registry fails immediately. A request whose sample and model already
// have a queued or running job attaches to that job instead of starting a new
// one.
func (d *Dispatcher) Submit(ctx context.Context, order *hl7.Order, admitted, skipped []hl7.SpecimenRequest) *Ticket {
	ticket := &Ticket{Order: order, Skipped: skipped}
	for _, req := range admitted {
		ticket.Futures = append(ticket.Futures, d.admit(ctx, req))
	}
	return ticket
}

func (d *Dispatcher) admit(ctx context.Context, req hl7.SpecimenRequest) *Future {
	entry, err := d.registry.Lookup(req.Model)
	if err != nil {
		d.Logger.Warnf("Rejected request for sample %s: %v", req.Sample, err)
		return resolved(req, Failed, err)
	}
	if err := ctx.Err(); err != nil {
		return resolved(req, Cancelled, err)
	}
	key := Key{Sample: req.Sample, Model: entry.Code}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return resolved(req, Cancelled, ErrShutdown)
	}
	if job, ok := d.inflight[key]; ok {
		job.attach()
		d.Logger.Infof("Attached request for %s to job %s", key, job.ID)
		return attached(req, job)
	}

	job := newJob(uuid.NewString(), key, entry)
	ok, err := d.queue.Enqueue(job)
	if err != nil {
		return resolved(req, Cancelled, ErrShutdown)
	}
	if !ok {
		d.Logger.Warnf("Dispatch queue full, rejected request for %s", key)
		return resolved(req, Failed, ErrQueueFull)
	}
	job.attach()
	d.inflight[key] = job
	d.Logger.Infof("Queued job %s for %s", job.ID, key)
	return attached(req, job)
}

func (d *Dispatcher) work(device int) {
	defer d.wg.Done()
	for {
		item, err := d.queue.Dequeue()
		if err != nil {
			// closed
			return
		}
		job, ok := item.(*Job)
		if !ok {
			d.Logger.Error(errors.Errorf("unhandled queue item type %s", reflect.TypeOf(item)))
			continue
		}
		d.run(job, device)
	}
}

func (d *Dispatcher) resultDir(key Key) string {
	return filepath.Join(d.Environment.ResultsDir, key.Sample, key.Model)
}

// run executes the steps of a job: slide resolution, engine run with retries,
// normalization and bundle export.
func (d *Dispatcher) run(job *Job, device int) {
	if !job.start(device) {
		return
	}
	ctx := d.ctx
	d.Logger.Infof("Running job %s for %s on device %d", job.ID, job.Key, device)

	res, err := d.resolver.Resolve(ctx, job.Key.Sample)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		d.complete(job, err, nil, "")
		return
	}
	defer res.Release()

	adapter, err := d.adapters.For(job.Entry.Kind)
	if err != nil {
		d.complete(job, err, nil, "")
		return
	}
	outDir := d.resultDir(job.Key)
	raw, attempts, err := engine.Submit(ctx, adapter, engine.Request{
		JobID:     job.ID,
		Sample:    job.Key.Sample,
		Entry:     job.Entry,
		Slide:     res,
		OutputDir: outDir,
		Device:    device,
	}, d.retry)
	job.setAttempts(attempts)
	if err != nil {
		d.complete(job, err, nil, "")
		return
	}

	raw.Offset = res.Offset
	result, err := d.normalizer.Normalize(job.Entry, raw)
	if err != nil {
		d.complete(job, err, nil, "")
		return
	}
	project, err := d.builder.Build(filepath.Join(outDir, BundleDir), res.Container, result)
	if err != nil {
		d.complete(job, err, result, "")
		return
	}
	d.complete(job, nil, result, project.Dir)
}

// complete records the terminal state of job, wakes its waiters and then
// releases its key.
func (d *Dispatcher) complete(job *Job, err error, result *normalize.Result, bundle string) {
	status := Succeeded
	switch Classify(err) {
	case "":
	case Shutdown:
		status = Cancelled
	default:
		status = Failed
	}
	if err != nil {
		d.Logger.Warnf("Job %s for %s %s: %v", job.ID, job.Key, status, err)
	} else {
		d.Logger.Infof("Job %s for %s succeeded", job.ID, job.Key)
	}

	if d.recorder != nil {
		d.record(job, status, err, result, bundle)
	}
	job.finish(status, err, result, bundle)

	// requests attaching until here see the terminal outcome
	d.mutex.Lock()
	if d.inflight[job.Key] == job {
		delete(d.inflight, job.Key)
	}
	d.mutex.Unlock()
}

func (d *Dispatcher) record(job *Job, status Status, err error, result *normalize.Result, bundle string) {
	info := job.Info()
	rec := ledger.Record{
		JobID:     job.ID,
		Sample:    job.Key.Sample,
		Model:     job.Key.Model,
		Kind:      info.Kind,
		Status:    string(status),
		Failure:   string(Classify(err)),
		Attempts:  info.Attempts,
		ResultDir: d.resultDir(job.Key),
		Bundle:    bundle,
		Queued:    info.Queued,
		Finished:  time.Now(),
	}
	if info.Started != nil {
		rec.Started = *info.Started
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if result != nil {
		rec.Label = result.Label
		rec.Score = result.Score
	}
	// recorded even while shutting down
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.recorder.Record(ctx, rec); err != nil {
		d.Logger.Errorf("Failed to record job %s: %v", job.ID, err)
	}
}

// Snapshot returns the queued and running jobs in arrival order.
func (d *Dispatcher) Snapshot() []JobInfo {
	d.mutex.RLock()
	infos := make([]JobInfo, 0, len(d.inflight))
	for _, job := range d.inflight {
		infos = append(infos, job.Info())
	}
	d.mutex.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].Queued.Equal(infos[j].Queued) {
			return infos[i].Queued.Before(infos[j].Queued)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Stats returns the current dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return Stats{
		Running:  d.running,
		Workers:  d.Environment.Parallelism,
		Queued:   d.queue.Size(),
		InFlight: len(d.inflight),
		Capacity: d.capacity,
	}
}

// Shutdown stops admission, cancels the jobs that have not started and waits
// up to grace for running jobs before cancelling them.
func (d *Dispatcher) Shutdown(grace time.Duration) {
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		return
	}
	d.closed = true
	d.mutex.Unlock()

	// no worker picks up a job once the queue is drained and closed
	pending, _ := d.queue.Drain()
	_ = d.queue.Close()
	for _, item := range pending {
		if job, ok := item.(*Job); ok {
			d.complete(job, ErrShutdown, nil, "")
		}
	}
	d.Logger.Infof("Cancelled %d queued jobs", len(pending))

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(grace):
		d.Logger.Warnf("Running jobs did not finish within %s, cancelling them", grace)
		d.cancel()
		<-finished
	}
	d.cancel()

	d.mutex.Lock()
	d.running = false
	d.mutex.Unlock()
}
