package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/aidss/lisbridge/api/registry"
	"github.com/aidss/lisbridge/api/slide"
	"github.com/aidss/lisbridge/config"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Request is everything an adapter needs to run one job.
type Request struct {
	JobID  string
	Sample string
	Entry  registry.Entry
	Slide  slide.Resolution
	// OutputDir receives the engine native outputs.
	OutputDir string
	// Device is the accelerator index the job is pinned to, -1 for none.
	Device int
	// Attempt is the 1 based execution attempt, set by Submit.
	Attempt int
}

// RawOutput points at the engine native outputs of a successful run.
type RawOutput struct {
	Kind   registry.EngineKind
	Sample string
	Dir    string
	// Table is the primary prediction table.
	Table string
	// Mask is the tile classification mask image.
	Mask string
	// Run is the engine run metadata file.
	Run string
	// Attention holds per tile attention scores of slide level engines.
	Attention string
	// Risk is set when Table holds a survival risk score instead of class probabilities.
	Risk bool
	// Offset is the origin of the scanned area of the slide.
	Offset slide.Offset
}

// Adapter runs one kind of inference engine.
type Adapter interface {
	Kind() registry.EngineKind
	Run(ctx context.Context, req Request) (RawOutput, error)
}

// ExecutionError is a failed engine run. Transient failures may succeed when
// retried.
type ExecutionError struct {
	Kind      registry.EngineKind
	Transient bool
	// Exhausted is set on transient failures that ran out of retries.
	Exhausted bool
	Attempts  int
	Err       error
}

func (e *ExecutionError) Error() string {
	class := "fatal"
	if e.Transient {
		class = "transient"
	}
	if e.Exhausted {
		return fmt.Sprintf("%s engine failed after %d attempts: %v", e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s engine failed (%s): %v", e.Kind, class, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func fatal(kind registry.EngineKind, format string, args ...interface{}) error {
	return &ExecutionError{Kind: kind, Err: errors.Errorf(format, args...)}
}

// Adapters holds one adapter per engine kind.
type Adapters struct {
	tile    Adapter
	slide   Adapter
	patient Adapter
}

// NewAdapters creates the adapters for every engine kind on top of executor.
func NewAdapters(cfg *config.Config, executor Executor) *Adapters {
	return &Adapters{
		tile:    NewTileAdapter(cfg, executor),
		slide:   NewSlideAdapter(cfg, executor),
		patient: NewPatientAdapter(cfg, executor),
	}
}

// NewAdaptersFrom assembles adapters from explicit implementations.
func NewAdaptersFrom(tile, slide, patient Adapter) *Adapters {
	return &Adapters{tile: tile, slide: slide, patient: patient}
}

// For returns the adapter of kind.
func (a *Adapters) For(kind registry.EngineKind) (Adapter, error) {
	switch kind {
	case registry.Tile:
		return a.tile, nil
	case registry.Slide:
		return a.slide, nil
	case registry.Patient:
		return a.patient, nil
	}
	return nil, errors.Errorf("no adapter for engine kind %s", kind)
}

// RetryPolicy bounds the retries of transient failures.
type RetryPolicy struct {
	// Ceiling is the number of retries after the first attempt.
	Ceiling      int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Notify is called before each retry.
	Notify func(err error, wait time.Duration)
}

// NewRetryPolicy reads the retry settings.
func NewRetryPolicy(env *config.Environment) RetryPolicy {
	return RetryPolicy{
		Ceiling:      env.RetryCeiling,
		InitialDelay: time.Duration(env.RetryInitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(env.RetryMaxDelayMs) * time.Millisecond,
	}
}

// Submit runs req on adapter until it succeeds, fails fatally or exhausts the
// retry ceiling, and returns the number of attempts made. A transient failure
// that exhausts the ceiling is returned as a fatal ExecutionError.
func Submit(ctx context.Context, adapter Adapter, req Request, policy RetryPolicy) (RawOutput, int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialDelay
	b.MaxInterval = policy.MaxDelay
	b.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(policy.Ceiling)), ctx)

	var (
		out      RawOutput
		attempts int
	)
	operation := func() error {
		attempts++
		req.Attempt = attempts
		result, err := adapter.Run(ctx, req)
		if err == nil {
			out = result
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var execErr *ExecutionError
		if errors.As(err, &execErr) && execErr.Transient {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := policy.Notify
	if notify == nil {
		notify = func(error, time.Duration) {}
	}
	err := backoff.RetryNotify(operation, bo, notify)
	if err == nil {
		return out, attempts, nil
	}

	var execErr *ExecutionError
	if errors.As(err, &execErr) && execErr.Transient && ctx.Err() == nil {
		return RawOutput{}, attempts, &ExecutionError{
			Kind:      adapter.Kind(),
			Exhausted: true,
			Attempts:  attempts,
			Err:       execErr.Err,
		}
	}
	return RawOutput{}, attempts, err
}
