package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Environment contains the imported environment variables.
type Environment struct {
	// Debug vs Deploy
	Mode string `default:"dev"`
	// Port the admin API listens on
	Addr string `default:":4040"`
	// Port the MLLP order listener listens on
	MllpAddr string `default:":2000" split_words:"true"`
	// LIS address results are delivered to, empty disables result delivery
	LisAddr string `default:"" split_words:"true"`
	// Inbound message type that is accepted
	ExpectedMessageType string `default:"OML^O33" split_words:"true"`
	// Largest accepted MLLP frame
	MaxMessageBytes int `default:"1048576" split_words:"true"`
	// Idle connections are closed after this many seconds
	ConnIdleTimeoutSec int `default:"300" split_words:"true"`
	// Processing application id written to MSH-11
	ProcessingID string `default:"P" split_words:"true"`
	// Name of this application in outbound MSH-3
	ApplicationName string `default:"AIDSS" split_words:"true"`

	// CSV model encoding table
	ModelTable string `default:"encodings_DL.csv" split_words:"true"`
	// Directory holding one folder per sample
	SlidesArchive string `default:"./slides_archive" split_words:"true"`
	// Directory slides are staged into before inference
	StagingDir string `default:"./tmp_slides" split_words:"true"`
	// Result store root
	ResultsDir string `default:"./tmp_results" split_words:"true"`
	// Metadata file every slide directory must contain
	SlideMetadataFile string `default:"Slidedat.ini" split_words:"true"`
	// Extension of the companion slide container file
	SlideContainerExt string `default:".mrxs" split_words:"true"`
	// Prints the slide properties that hold the scanned area offset, empty disables offsets
	SlidePropertiesBin string `default:"openslide-show-properties" split_words:"true"`
	// Staged slides older than this are removed
	StagingMaxAgeHours int `default:"3" split_words:"true"`
	// Interval between staging cleanups
	StagingCleanupIntervalMin int `default:"60" split_words:"true"`

	// Number of concurrent inference jobs
	Parallelism int `default:"1"`
	// Number of accelerator devices, 0 skips the parallelism check
	DeviceCount int `default:"0" split_words:"true"`
	// Pending job capacity
	DispatchQueueSize int `default:"100" split_words:"true"`
	// How repeated specimen groups are admitted: all, first, first-per-sample or reject
	MultiSegmentPolicy string `default:"first-per-sample" split_words:"true"`
	// Number of retries after a transient engine failure
	RetryCeiling int `default:"3" split_words:"true"`
	// First retry delay
	RetryInitialDelayMs int `default:"3000" split_words:"true"`
	// Retry delay cap
	RetryMaxDelayMs int `default:"30000" split_words:"true"`
	// Per-order acknowledgment wait
	OrderTimeoutSec int `default:"600" split_words:"true"`
	// Time running jobs get to finish on shutdown
	ShutdownGraceSec int `default:"30" split_words:"true"`

	// Engine execution backend: command or prefect
	EngineBackend string `default:"command" split_words:"true"`
	// Tile classification engine
	TileEngineBin string `default:"wsinfer" split_words:"true"`
	// Slide level engine
	SlideEngineBin string `default:"wsinfer-mil" split_words:"true"`
	// Patient level engine
	PatientEngineBin string `default:"python" split_words:"true"`
	// Directory holding customized model weights and the marugoto checkout
	ModelsDir string `default:"./models" split_words:"true"`
	// Exit codes treated as transient failures
	TransientExitCodes []int `default:"137" split_words:"true"`

	// Prefect server address including port
	PrefectAddr string `default:"http://localhost:4200" split_words:"true"`
	// Prefect server request timeout
	PrefectTimeoutSec int `default:"10" split_words:"true"`
	// Prefect polling interval
	PrefectPollIntervalSec int `default:"5" split_words:"true"`
	// Flow version group ID of the inference flow
	PrefectFlowID string `default:"" split_words:"true"`

	// Use persisted outbox or in-memory outbox
	OutboxPersisted bool `default:"true" split_words:"true"`
	// Directory to store the outbox data in when persisted
	OutboxDir string `default:"./" split_words:"true"`
	// Name of the persisted outbox
	OutboxName string `default:"result_outbox" split_words:"true"`
	// Outbox capacity
	OutboxSize int `default:"500" split_words:"true"`

	// Directory of the job ledger database
	LedgerDir string `default:"./ledger" split_words:"true"`
}

const (
	// BackendCommand runs engines as local processes
	BackendCommand = "command"
	// BackendPrefect submits engine invocations as prefect flow runs
	BackendPrefect = "prefect"
)

func (e Environment) String() string {
	settings, err := json.MarshalIndent(e, "", "    ")
	if err != nil {
		return fmt.Errorf("Failed to marshal env: %v", err).Error()
	}
	return fmt.Sprintf("Environment Settings:\n%s\n", string(settings))
}

// Load imports the environment variables and returns them in an Specification.
func Load(envFile string) (*Environment, error) {
	testEnv := os.Getenv("AIDSS_MODE")
	// if no env var in existing environment, load environment file from the .env file,
	// otherwise (in production) just check existing host environment
	if "" == testEnv {
		err := godotenv.Load(envFile)
		if err != nil {
			return nil, errors.Wrapf(err, "Error loading %s file", envFile)
		}
	}

	var env Environment
	err := envconfig.Process("aidss", &env)
	if err != nil {
		return nil, errors.Wrap(err, "Error processing environment config")
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks settings that would otherwise surface as runtime failures.
func (e *Environment) Validate() error {
	if e.Parallelism < 1 {
		return NewError("Parallelism", "must be at least 1, got %d", e.Parallelism)
	}
	if e.DeviceCount > 0 && e.Parallelism > e.DeviceCount {
		return NewError("Parallelism", "%d exceeds the %d available devices", e.Parallelism, e.DeviceCount)
	}
	if e.DispatchQueueSize < 1 {
		return NewError("DispatchQueueSize", "must be at least 1")
	}
	if e.RetryCeiling < 0 {
		return NewError("RetryCeiling", "must not be negative")
	}
	if e.OrderTimeoutSec < 1 {
		return NewError("OrderTimeoutSec", "must be at least 1")
	}
	switch e.MultiSegmentPolicy {
	case PolicyAll, PolicyFirst, PolicyFirstPerSample, PolicyReject:
	default:
		return NewError("MultiSegmentPolicy", "unknown policy %q", e.MultiSegmentPolicy)
	}
	switch e.EngineBackend {
	case BackendCommand:
	case BackendPrefect:
		if e.PrefectFlowID == "" {
			return NewError("PrefectFlowID", "required by the prefect backend")
		}
	default:
		return NewError("EngineBackend", "unknown backend %q", e.EngineBackend)
	}
	return nil
}

// OrderTimeout returns the per-order acknowledgment wait.
func (e *Environment) OrderTimeout() time.Duration {
	return time.Duration(e.OrderTimeoutSec) * time.Second
}

// ShutdownGrace returns how long running jobs may continue after shutdown starts.
func (e *Environment) ShutdownGrace() time.Duration {
	return time.Duration(e.ShutdownGraceSec) * time.Second
}
