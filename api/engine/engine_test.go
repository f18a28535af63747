package engine

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aidss/lisbridge/api/registry"
	"github.com/aidss/lisbridge/api/slide"
	"github.com/aidss/lisbridge/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	return &config.Config{
		Logger: zap.NewNop().Sugar(),
		Environment: &config.Environment{
			TileEngineBin:          "wsinfer",
			SlideEngineBin:         "wsinfer-mil",
			PatientEngineBin:       "python",
			ModelsDir:              "/models",
			TransientExitCodes:     []int{137},
			PrefectTimeoutSec:      5,
			PrefectPollIntervalSec: 1,
			PrefectFlowID:          "flow-group",
		},
	}
}

// fakeExecutor records invocations and lets tests script their effects.
type fakeExecutor struct {
	mutex       sync.Mutex
	invocations []Invocation
	effect      func(inv Invocation) error
}

func (f *fakeExecutor) Execute(ctx context.Context, inv Invocation) error {
	f.mutex.Lock()
	f.invocations = append(f.invocations, inv)
	f.mutex.Unlock()
	if f.effect == nil {
		return nil
	}
	return f.effect(inv)
}

func touch(t *testing.T, p string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(p), os.ModePerm))
	require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
}

func request(t *testing.T, entry registry.Entry) Request {
	dir := t.TempDir()
	return Request{
		JobID:     "job-1",
		Sample:    "S1",
		Entry:     entry,
		Slide:     slide.Resolution{Status: slide.Found, Sample: "S1", Root: "/staging/S1", Dir: "/staging/S1/S1", Container: "/staging/S1/S1.mrxs"},
		OutputDir: filepath.Join(dir, "S1", entry.Code),
		Device:    1,
	}
}

// scriptedAdapter fails with the queued errors before succeeding.
type scriptedAdapter struct {
	failures []error
	calls    int
	attempts []int
}

func (s *scriptedAdapter) Kind() registry.EngineKind { return registry.Tile }

func (s *scriptedAdapter) Run(ctx context.Context, req Request) (RawOutput, error) {
	s.calls++
	s.attempts = append(s.attempts, req.Attempt)
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return RawOutput{}, err
	}
	return RawOutput{Kind: registry.Tile, Sample: req.Sample}, nil
}

var quickRetry = RetryPolicy{Ceiling: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func transient() error {
	return &ExecutionError{Kind: registry.Tile, Transient: true, Err: errors.New("CUDA out of memory")}
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	adapter := &scriptedAdapter{failures: []error{transient(), transient()}}
	notified := 0
	policy := quickRetry
	policy.Notify = func(error, time.Duration) { notified++ }

	out, attempts, err := Submit(context.Background(), adapter, Request{Sample: "S1"}, policy)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2, 3}, adapter.attempts)
	assert.Equal(t, 2, notified)
	assert.Equal(t, "S1", out.Sample)
}

func TestSubmitStopsOnFatalFailure(t *testing.T) {
	adapter := &scriptedAdapter{failures: []error{fatal(registry.Tile, "corrupted slide"), transient()}}

	_, attempts, err := Submit(context.Background(), adapter, Request{}, quickRetry)
	assert.Equal(t, 1, attempts)
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.False(t, execErr.Transient)
	assert.False(t, execErr.Exhausted)
}

func TestSubmitExhaustsCeiling(t *testing.T) {
	adapter := &scriptedAdapter{failures: []error{transient(), transient(), transient()}}
	policy := quickRetry
	policy.Ceiling = 2

	_, attempts, err := Submit(context.Background(), adapter, Request{}, policy)
	assert.Equal(t, 3, attempts)
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.False(t, execErr.Transient)
	assert.True(t, execErr.Exhausted)
	assert.Equal(t, 3, execErr.Attempts)
}

func TestSubmitCancelled(t *testing.T) {
	adapter := &scriptedAdapter{failures: []error{transient(), transient(), transient()}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := Submit(ctx, adapter, Request{}, quickRetry)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAdaptersFor(t *testing.T) {
	adapters := NewAdapters(testConfig(), &fakeExecutor{})
	for _, kind := range []registry.EngineKind{registry.Tile, registry.Slide, registry.Patient} {
		adapter, err := adapters.For(kind)
		require.NoError(t, err)
		assert.Equal(t, kind, adapter.Kind())
	}
	_, err := adapters.For(registry.EngineKind(42))
	assert.Error(t, err)
}

func TestTileAdapter(t *testing.T) {
	exec := &fakeExecutor{}
	adapter := NewTileAdapter(testConfig(), exec)
	req := request(t, registry.Entry{Code: "TUMOR", Name: "breast-tumor", Resource: "breast-tumor", Kind: registry.Tile})

	exec.effect = func(inv Invocation) error {
		touch(t, filepath.Join(req.OutputDir, TileTablesDir, "S1.csv"))
		touch(t, filepath.Join(req.OutputDir, TileMasksDir, "S1.jpg"))
		touch(t, filepath.Join(req.OutputDir, "run_metadata_20240101.json"))
		touch(t, filepath.Join(req.OutputDir, "run_metadata_20240102.json"))
		return nil
	}
	out, err := adapter.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(req.OutputDir, TileTablesDir, "S1.csv"), out.Table)
	assert.Equal(t, filepath.Join(req.OutputDir, TileMasksDir, "S1.jpg"), out.Mask)
	assert.Equal(t, filepath.Join(req.OutputDir, "run_metadata_20240102.json"), out.Run)

	require.Len(t, exec.invocations, 1)
	inv := exec.invocations[0]
	assert.Equal(t, "wsinfer", inv.Program)
	assert.Equal(t, []string{"--backend=openslide", "run", "--wsi-dir", "/staging/S1", "--results-dir", req.OutputDir, "--model", "breast-tumor"}, inv.Args)
	assert.Equal(t, []string{"CUDA_VISIBLE_DEVICES=1"}, inv.Env)
	assert.Equal(t, "job-1/run/0", inv.Key)
}

func TestTileAdapterCustomizedAndMissingOutput(t *testing.T) {
	exec := &fakeExecutor{}
	adapter := NewTileAdapter(testConfig(), exec)
	req := request(t, registry.Entry{Code: "C", Name: "custom", Resource: "custom", Kind: registry.Tile, Customized: true})
	// a table left behind by an earlier run must not be mistaken for output
	touch(t, filepath.Join(req.OutputDir, TileTablesDir, "S1.csv"))

	_, err := adapter.Run(context.Background(), req)
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.False(t, execErr.Transient)

	args := exec.invocations[0].Args
	assert.Contains(t, args, "--model-path")
	assert.Contains(t, args, filepath.Join("/models", "custom", "config.json"))
}

func TestSlideAdapter(t *testing.T) {
	exec := &fakeExecutor{}
	adapter := NewSlideAdapter(testConfig(), exec)
	req := request(t, registry.Entry{Code: "KIRP", Name: "survival-kirp", Resource: "survival-kirp", Kind: registry.Slide})

	exec.effect = func(inv Invocation) error {
		touch(t, filepath.Join(inv.Dir, SlideRiskScore))
		touch(t, filepath.Join(inv.Dir, SlideAttention))
		return nil
	}
	out, err := adapter.Run(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Risk)
	assert.Equal(t, filepath.Join(req.OutputDir, SlideAttention), out.Attention)
	assert.Equal(t, []string{"run", "-m", "kaczmarj/survival-kirp", "-i", "/staging/S1/S1.mrxs"}, exec.invocations[0].Args)

	exec.effect = func(inv Invocation) error {
		touch(t, filepath.Join(inv.Dir, SlidePredictions))
		return nil
	}
	out, err = adapter.Run(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, out.Risk)
	assert.Empty(t, out.Attention)
}

func TestPatientAdapter(t *testing.T) {
	exec := &fakeExecutor{}
	adapter := NewPatientAdapter(testConfig(), exec)
	req := request(t, registry.Entry{Code: "isMSIH_CRC", Name: "msi", Kind: registry.Patient, ClassNames: []string{"MSIH", "nonMSIH"}})

	exec.effect = func(inv Invocation) error {
		if inv.Step == "deploy" {
			touch(t, filepath.Join(inv.Dir, PatientPredictions))
		}
		return nil
	}
	out, err := adapter.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(req.OutputDir, PatientPredictions), out.Table)

	require.Len(t, exec.invocations, 3)
	assert.Equal(t, "patch", exec.invocations[0].Step)
	assert.Equal(t, "extract", exec.invocations[1].Step)
	deploy := exec.invocations[2]
	assert.Contains(t, deploy.Args, filepath.Join("/models", "marugoto", "CRC", "isMSIH", "export.pkl"))
	assert.Contains(t, deploy.Args, "[MSIH,nonMSIH]")

	f, err := os.Open(filepath.Join(req.OutputDir, PatientClinicTable))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"PATIENT", "isMSIH"}, {"S1", "MSIH"}}, rows)
}

func TestPatientAdapterRejectsBadProfile(t *testing.T) {
	adapter := NewPatientAdapter(testConfig(), &fakeExecutor{})
	req := request(t, registry.Entry{Code: "MSI", Name: "msi", Kind: registry.Patient, ClassNames: []string{"a", "b"}})
	_, err := adapter.Run(context.Background(), req)
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.False(t, execErr.Transient)
}

func TestCommandExecutorClassification(t *testing.T) {
	executor := NewCommandExecutor(testConfig())
	run := func(script string) error {
		return executor.Execute(context.Background(), Invocation{Kind: registry.Tile, Step: "run", Program: "sh", Args: []string{"-c", script}})
	}

	assert.NoError(t, run("exit 0"))

	var execErr *ExecutionError
	require.True(t, errors.As(run("echo 'RuntimeError: CUDA out of memory' >&2; exit 1"), &execErr))
	assert.True(t, execErr.Transient)

	require.True(t, errors.As(run("exit 137"), &execErr))
	assert.True(t, execErr.Transient)

	require.True(t, errors.As(run("echo 'cannot read slide' >&2; exit 2"), &execErr))
	assert.False(t, execErr.Transient)
	assert.Contains(t, execErr.Error(), "cannot read slide")

	err := executor.Execute(context.Background(), Invocation{Kind: registry.Tile, Program: "/nonexistent/engine"})
	require.True(t, errors.As(err, &execErr))
	assert.False(t, execErr.Transient)
}

func TestCommandExecutorCancel(t *testing.T) {
	executor := NewCommandExecutor(testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := executor.Execute(ctx, Invocation{Kind: registry.Tile, Program: "sleep", Args: []string{"5"}})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func prefectServer(t *testing.T, finalState, message string) (*httptest.Server, *[]map[string]interface{}) {
	var (
		mutex     sync.Mutex
		variables []map[string]interface{}
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query     string                 `json:"query"`
			Variables map[string]interface{} `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mutex.Lock()
		variables = append(variables, body.Variables)
		mutex.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(body.Query, "create_flow_run") {
			_, _ = w.Write([]byte(`{"data":{"create_flow_run":{"id":"run-1"}}}`))
			return
		}
		resp := map[string]interface{}{"data": map[string]interface{}{"flow_run": []map[string]string{
			{"id": "run-1", "state": finalState, "state_message": message},
		}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server, &variables
}

func TestFlowExecutor(t *testing.T) {
	server, variables := prefectServer(t, "Success", "")
	cfg := testConfig()
	cfg.Environment.PrefectAddr = server.URL
	executor := NewFlowExecutor(cfg)
	executor.pollInterval = 10 * time.Millisecond

	err := executor.Execute(context.Background(), Invocation{Kind: registry.Tile, Step: "run", Program: "wsinfer", Key: "job-1/run/1"})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(*variables), 2)
	submission := (*variables)[0]
	assert.Equal(t, "flow-group", submission["id"])
	assert.Equal(t, "run:job-1/run/1", submission["runName"])
	assert.NotEmpty(t, submission["key"])
}

func TestFlowExecutorFailure(t *testing.T) {
	server, _ := prefectServer(t, "Failed", "RuntimeError: CUDA out of memory")
	cfg := testConfig()
	cfg.Environment.PrefectAddr = server.URL
	executor := NewFlowExecutor(cfg)
	executor.pollInterval = 10 * time.Millisecond

	err := executor.Execute(context.Background(), Invocation{Kind: registry.Slide, Step: "run", Program: "wsinfer-mil", Key: "k"})
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.True(t, execErr.Transient)
	assert.Equal(t, registry.Slide, execErr.Kind)
}

func TestFlowExecutorUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Environment.PrefectAddr = "http://127.0.0.1:1"
	executor := NewFlowExecutor(cfg)

	err := executor.Execute(context.Background(), Invocation{Kind: registry.Tile, Step: "run", Key: "k"})
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.True(t, execErr.Transient)
}
