package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aidss/lisbridge/api/annotation"
	"github.com/aidss/lisbridge/api/engine"
	"github.com/aidss/lisbridge/api/hl7"
	"github.com/aidss/lisbridge/api/ledger"
	"github.com/aidss/lisbridge/api/normalize"
	"github.com/aidss/lisbridge/api/registry"
	"github.com/aidss/lisbridge/api/slide"
	"github.com/aidss/lisbridge/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const models = `SPM_4.2,Model_Name,Toolbox,Class_Names,Visualization,Customized,Export_Top_Tiles,Risk_Threshold
TUMOR,breast-tumor-resnet34.tcga-brca,wsinfer,Tumor,measurement_map,No,Yes,
TILS,lymphnodes-tiatoolbox,wsinfer,"other,lymph",color_map,No,No,
KIRP,survival-kirp,wsinfer-mil,,density_map,No,No,-2.84
`

func testConfig(t *testing.T, parallelism, queueSize int) *config.Config {
	return &config.Config{
		Logger: zap.NewNop().Sugar(),
		Environment: &config.Environment{
			ResultsDir:        t.TempDir(),
			Parallelism:       parallelism,
			DispatchQueueSize: queueSize,
		},
	}
}

type fakeResolver struct {
	missing map[string]bool
	offset  slide.Offset
}

func (f *fakeResolver) Resolve(ctx context.Context, sample string) (slide.Resolution, error) {
	if f.missing[sample] {
		return slide.Resolution{Status: slide.NotFound, Sample: sample}, nil
	}
	return slide.Resolution{
		Status:    slide.Found,
		Sample:    sample,
		Root:      "/staging/" + sample,
		Dir:       "/staging/" + sample + "/" + sample,
		Container: "/staging/" + sample + "/" + sample + ".mrxs",
		Offset:    f.offset,
	}, nil
}

// gatedAdapter blocks every run until the gate is closed and fails with the
// queued errors first.
type gatedAdapter struct {
	kind     registry.EngineKind
	gate     chan struct{}
	mutex    sync.Mutex
	calls    int
	devices  []int
	failures []error
	run      func(req engine.Request) (engine.RawOutput, error)
}

func newGatedAdapter(kind registry.EngineKind) *gatedAdapter {
	gate := make(chan struct{})
	close(gate)
	return &gatedAdapter{kind: kind, gate: gate}
}

func (g *gatedAdapter) Kind() registry.EngineKind { return g.kind }

func (g *gatedAdapter) Run(ctx context.Context, req engine.Request) (engine.RawOutput, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return engine.RawOutput{}, ctx.Err()
	}
	g.mutex.Lock()
	g.calls++
	g.devices = append(g.devices, req.Device)
	var err error
	if len(g.failures) > 0 {
		err = g.failures[0]
		g.failures = g.failures[1:]
	}
	g.mutex.Unlock()
	if err != nil {
		return engine.RawOutput{}, err
	}
	if g.run != nil {
		return g.run(req)
	}
	return engine.RawOutput{Kind: g.kind, Sample: req.Sample, Dir: req.OutputDir}, nil
}

func (g *gatedAdapter) Calls() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.calls
}

type fakeNormalizer struct{}

func (fakeNormalizer) Normalize(entry registry.Entry, raw engine.RawOutput) (*normalize.Result, error) {
	return &normalize.Result{Sample: raw.Sample, Model: entry.Code, Kind: entry.Kind, Label: "Tumor"}, nil
}

type fakeBuilder struct{}

func (fakeBuilder) Build(dest, slideRef string, results ...*normalize.Result) (*annotation.Project, error) {
	return &annotation.Project{Dir: dest, Sample: results[0].Sample, Slide: slideRef}, nil
}

type memoryRecorder struct {
	mutex   sync.Mutex
	records []ledger.Record
}

func (m *memoryRecorder) Record(ctx context.Context, rec ledger.Record) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.records = append(m.records, rec)
	return nil
}

type fixture struct {
	dispatcher *Dispatcher
	tile       *gatedAdapter
	slide      *gatedAdapter
	resolver   *fakeResolver
	recorder   *memoryRecorder
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	reg, err := registry.Read(strings.NewReader(models))
	require.NoError(t, err)
	f := &fixture{
		tile:     newGatedAdapter(registry.Tile),
		slide:    newGatedAdapter(registry.Slide),
		resolver: &fakeResolver{missing: map[string]bool{}},
		recorder: &memoryRecorder{},
	}
	adapters := engine.NewAdaptersFrom(f.tile, f.slide, newGatedAdapter(registry.Patient))
	f.dispatcher = NewDispatcher(cfg, reg, f.resolver, adapters, fakeNormalizer{}, fakeBuilder{}, f.recorder)
	f.dispatcher.SetRetryPolicy(engine.RetryPolicy{Ceiling: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	t.Cleanup(func() { f.dispatcher.Shutdown(time.Second) })
	return f
}

func req(seq int, sample, model string) hl7.SpecimenRequest {
	return hl7.SpecimenRequest{Sample: sample, Model: model, Sequence: seq}
}

func wait(t *testing.T, future *Future) Outcome {
	t.Helper()
	select {
	case <-future.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("request %s/%s did not complete", future.Request().Sample, future.Request().Model)
	}
	return future.Outcome()
}

func TestSubmitSingleRequest(t *testing.T) {
	f := newFixture(t, testConfig(t, 1, 10))
	f.dispatcher.Start()

	ticket := f.dispatcher.Submit(context.Background(), &hl7.Order{ControlID: "MSG1"}, []hl7.SpecimenRequest{req(1, "S1", "TUMOR")}, nil)
	require.Len(t, ticket.Futures, 1)

	outcome := wait(t, ticket.Futures[0])
	assert.Equal(t, Succeeded, outcome.Status)
	assert.Empty(t, outcome.Failure)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, "Tumor", outcome.Result.Label)
	assert.Equal(t, filepath.Join(f.dispatcher.Environment.ResultsDir, "S1", "TUMOR", BundleDir), outcome.Bundle)
	assert.Equal(t, []int{-1}, f.tile.devices)

	require.Len(t, f.recorder.records, 1)
	rec := f.recorder.records[0]
	assert.Equal(t, outcome.JobID, rec.JobID)
	assert.Equal(t, "succeeded", rec.Status)
	assert.Equal(t, "tile", rec.Kind)
	assert.False(t, rec.Started.IsZero())
	assert.Eventually(t, func() bool { return len(f.dispatcher.Snapshot()) == 0 }, time.Second, time.Millisecond)
}

func TestSubmitDeduplicates(t *testing.T) {
	f := newFixture(t, testConfig(t, 2, 10))
	f.tile.gate = make(chan struct{})
	f.dispatcher.Start()

	first := f.dispatcher.Submit(context.Background(), &hl7.Order{ControlID: "MSG1"}, []hl7.SpecimenRequest{req(1, "S1", "TUMOR")}, nil)
	second := f.dispatcher.Submit(context.Background(), &hl7.Order{ControlID: "MSG2"}, []hl7.SpecimenRequest{req(1, "S1", "TUMOR"), req(2, "S1", "TILS")}, nil)

	jobs := f.dispatcher.Snapshot()
	require.Len(t, jobs, 2)
	assert.Equal(t, "TUMOR", jobs[0].Model)
	assert.Equal(t, 2, jobs[0].Waiters)

	close(f.tile.gate)
	a := wait(t, first.Futures[0])
	b := wait(t, second.Futures[0])
	c := wait(t, second.Futures[1])
	assert.Equal(t, a.JobID, b.JobID)
	assert.NotEqual(t, a.JobID, c.JobID)
	assert.Equal(t, Succeeded, b.Status)
	assert.Equal(t, Succeeded, c.Status)
	assert.Equal(t, 2, f.tile.Calls())

	// a finished job no longer absorbs new requests
	assert.Eventually(t, func() bool { return len(f.dispatcher.Snapshot()) == 0 }, time.Second, time.Millisecond)
	third := f.dispatcher.Submit(context.Background(), &hl7.Order{ControlID: "MSG3"}, []hl7.SpecimenRequest{req(1, "S1", "TUMOR")}, nil)
	d := wait(t, third.Futures[0])
	assert.NotEqual(t, a.JobID, d.JobID)
	assert.Equal(t, 3, f.tile.Calls())
}

// blockingRecorder holds every Record call until release is closed.
type blockingRecorder struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRecorder) Record(ctx context.Context, rec ledger.Record) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return nil
}

func TestRequestDuringRecordingAttaches(t *testing.T) {
	f := newFixture(t, testConfig(t, 2, 10))
	recorder := &blockingRecorder{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f.dispatcher.recorder = recorder
	f.dispatcher.Start()

	first := f.dispatcher.Submit(context.Background(), &hl7.Order{ControlID: "MSG1"}, []hl7.SpecimenRequest{req(1, "S1", "TUMOR")}, nil)
	select {
	case <-recorder.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("job was never recorded")
	}

	// the engine run is over but the job is not terminal yet
	second := f.dispatcher.Submit(context.Background(), &hl7.Order{ControlID: "MSG2"}, []hl7.SpecimenRequest{req(1, "S1", "TUMOR")}, nil)
	jobs := f.dispatcher.Snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Waiters)

	close(recorder.release)
	a := wait(t, first.Futures[0])
	b := wait(t, second.Futures[0])
	assert.Equal(t, a.JobID, b.JobID)
	assert.Equal(t, Succeeded, b.Status)
	assert.Equal(t, 1, f.tile.Calls())
}

func TestSubmitPolicyJobCounts(t *testing.T) {
	order := &hl7.Order{ControlID: "MSG1", Requests: []hl7.SpecimenRequest{
		req(1, "S1", "TUMOR"), req(2, "S1", "TILS"), req(3, "S2", "TUMOR"),
	}}
	for policy, expected := range map[string]int{
		config.PolicyAll:            3,
		config.PolicyFirst:          1,
		config.PolicyFirstPerSample: 2,
	} {
		t.Run(policy, func(t *testing.T) {
			f := newFixture(t, testConfig(t, 1, 10))
			f.dispatcher.Start()
			admitted, skipped, err := hl7.ApplyPolicy(order, policy)
			require.NoError(t, err)

			ticket := f.dispatcher.Submit(context.Background(), order, admitted, skipped)
			assert.Len(t, ticket.Futures, expected)
			assert.Len(t, ticket.Skipped, 3-expected)
			for _, future := range ticket.Futures {
				assert.Equal(t, Succeeded, wait(t, future).Status)
			}
			assert.Equal(t, expected, f.tile.Calls())
		})
	}
}

func TestSubmitUnknownModel(t *testing.T) {
	f := newFixture(t, testConfig(t, 1, 10))
	f.dispatcher.Start()

	ticket := f.dispatcher.Submit(context.Background(), &hl7.Order{ControlID: "MSG1"}, []hl7.SpecimenRequest{req(1, "S1", "NOPE")}, nil)
	outcome := wait(t, ticket.Futures[0])
	assert.Equal(t, Failed, outcome.Status)
	assert.Equal(t, UnknownModel, outcome.Failure)
	assert.Empty(t, outcome.JobID)
	assert.Equal(t, 0, f.tile.Calls())
	assert.Empty(t, f.recorder.records)
}

func TestSlideNotFound(t *testing.T) {
	f := newFixture(t, testConfig(t, 1, 10))
	f.resolver.missing["S9"] = true
	f.dispatcher.Start()

	ticket := f.dispatcher.Submit(context.Background(), &hl7.Order{ControlID: "MSG1"}, []hl7.SpecimenRequest{req(1, "S9", "TUMOR")}, nil)
	outcome := wait(t, ticket.Futures[0])
	assert.Equal(t, Failed, outcome.Status)
	assert.Equal(t, SlideNotFound, outcome.Failure)
	assert.Equal(t, 0, f.tile.Calls())
	require.Len(t, f.recorder.records, 1)
	assert.Equal(t, "SlideNotFound", f.recorder.records[0].Failure)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	f := newFixture(t, testConfig(t, 1, 10))
	oom := func() error {
		return &engine.ExecutionError{Kind: registry.Slide, Transient: true, Err: errors.New("CUDA out of memory")}
	}
	f.slide.failures = []error{oom(), oom()}
	f.dispatcher.Start()

	ticket := f.dispatcher.Submit(context.Background(), &hl7.Order{ControlID: "MSG1"}, []hl7.SpecimenRequest{req(1, "S1", "KIRP")}, nil)
	outcome := wait(t, ticket.Futures[0])
	assert.Equal(t, Succeeded, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
}

func TestRetriesExhausted(t *testing.T) {
	f := newFixture(t, testConfig(t, 1, 10))
	for i := 0; i < 3; i++ {
		f.slide.failures = append(f.slide.failures, &engine.ExecutionError{Kind: registry.Slide, Transient: true, Err: errors.New("CUDA out of memory")})
	}
	f.dispatcher.Start()

	ticket := f.dispatcher.Submit(context.Background(), &hl7.Order{ControlID: "MSG1"}, []hl7.SpecimenRequest{req(1, "S1", "KIRP")}, nil)
	outcome := wait(t, ticket.Futures[0])
	assert.Equal(t, Failed, outcome.Status)
	assert.Equal(t, EngineRetriesExhausted, outcome.Failure)
	assert.Equal(t, 3, outcome.Attempts)
}

func TestWorkersUseTheirDevice(t *testing.T) {
	cfg := testConfig(t, 2, 10)
	cfg.Environment.DeviceCount = 2
	f := newFixture(t, cfg)
	f.dispatcher.Start()

	ticket := f.dispatcher.Submit(context.Background(), &hl7.Order{ControlID: "MSG1"},
		[]hl7.SpecimenRequest{req(1, "S1", "TUMOR"), req(2, "S2", "TUMOR"), req(3, "S3", "TUMOR")}, nil)
	for _, future := range ticket.Futures {
		wait(t, future)
	}
	require.Len(t, f.tile.devices, 3)
	for _, device := range f.tile.devices {
		assert.Contains(t, []int{0, 1}, device)
	}
}

func TestQueueFull(t *testing.T) {
	f := newFixture(t, testConfig(t, 1, 1))

	ticket := f.dispatcher.Submit(context.Background(), &hl7.Order{ControlID: "MSG1"},
		[]hl7.SpecimenRequest{req(1, "S1", "TUMOR"), req(2, "S2", "TUMOR")}, nil)
	outcome := wait(t, ticket.Futures[1])
	assert.Equal(t, Failed, outcome.Status)
	assert.Equal(t, QueueFull, outcome.Failure)
	assert.Equal(t, 1, f.dispatcher.Stats().Queued)
	assert.Equal(t, 1, f.dispatcher.Stats().Capacity)
}

func TestShutdownCancelsPendingJobs(t *testing.T) {
	f := newFixture(t, testConfig(t, 1, 10))
	f.tile.gate = make(chan struct{})
	f.dispatcher.Start()

	ticket := f.dispatcher.Submit(context.Background(), &hl7.Order{ControlID: "MSG1"},
		[]hl7.SpecimenRequest{req(1, "S1", "TUMOR"), req(2, "S2", "TUMOR")}, nil)
	require.Eventually(t, func() bool {
		return ticket.Futures[0].Outcome().Status == Running
	}, time.Second, 5*time.Millisecond)

	f.dispatcher.Shutdown(10 * time.Millisecond)

	running := wait(t, ticket.Futures[0])
	queued := wait(t, ticket.Futures[1])
	assert.Equal(t, Cancelled, running.Status)
	assert.Equal(t, Shutdown, running.Failure)
	assert.Equal(t, Cancelled, queued.Status)
	assert.False(t, f.dispatcher.Running())

	late := f.dispatcher.Submit(context.Background(), &hl7.Order{ControlID: "MSG2"}, []hl7.SpecimenRequest{req(1, "S3", "TUMOR")}, nil)
	assert.Equal(t, Cancelled, wait(t, late.Futures[0]).Status)
}

func TestRunWithNormalizerAndBuilder(t *testing.T) {
	cfg := testConfig(t, 1, 10)
	reg, err := registry.Read(strings.NewReader(models))
	require.NoError(t, err)

	tile := newGatedAdapter(registry.Tile)
	tile.run = func(req engine.Request) (engine.RawOutput, error) {
		table := filepath.Join(req.OutputDir, "model-outputs-csv", req.Sample+".csv")
		if err := os.MkdirAll(filepath.Dir(table), os.ModePerm); err != nil {
			return engine.RawOutput{}, err
		}
		content := "minx,miny,width,height,prob_Tumor\n0,0,224,224,0.9\n224,0,224,224,0.1\n"
		if err := os.WriteFile(table, []byte(content), 0644); err != nil {
			return engine.RawOutput{}, err
		}
		return engine.RawOutput{Kind: registry.Tile, Sample: req.Sample, Dir: req.OutputDir, Table: table}, nil
	}
	adapters := engine.NewAdaptersFrom(tile, newGatedAdapter(registry.Slide), newGatedAdapter(registry.Patient))
	resolver := &fakeResolver{offset: slide.Offset{X: 100, Y: 50}}
	d := NewDispatcher(cfg, reg, resolver, adapters, normalize.New(cfg), annotation.NewBuilder(cfg), nil)
	d.Start()
	defer d.Shutdown(time.Second)

	ticket := d.Submit(context.Background(), &hl7.Order{ControlID: "MSG1"}, []hl7.SpecimenRequest{req(1, "S1", "TUMOR")}, nil)
	outcome := wait(t, ticket.Futures[0])
	require.Equal(t, Succeeded, outcome.Status, "%v", outcome.Err)
	require.Len(t, outcome.Result.Tiles, 2)
	// tiles are placed relative to the scanned area
	assert.Equal(t, -100, outcome.Result.Tiles[0].X)
	assert.Equal(t, -50, outcome.Result.Tiles[0].Y)
	assert.Len(t, outcome.Result.TopTiles, 1)
	assert.FileExists(t, filepath.Join(outcome.Bundle, annotation.ProjectFile))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, FailureKind(""), Classify(nil))
	assert.Equal(t, Shutdown, Classify(ErrShutdown))
	assert.Equal(t, Shutdown, Classify(errors.Wrap(context.Canceled, "engine run")))
	assert.Equal(t, Timeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, UnknownModel, Classify(&registry.UnknownModelError{Model: "X"}))
	assert.Equal(t, EngineFatal, Classify(&engine.ExecutionError{Err: errors.New("bad slide")}))
	assert.Equal(t, Normalization, Classify(&normalize.Error{Model: "X", Reason: "empty"}))
	assert.Equal(t, Annotation, Classify(&annotation.Error{Dest: "/x", Err: errors.New("disk full")}))
	assert.Equal(t, Internal, Classify(errors.New("other")))
}
