package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aidss/lisbridge/config"
	"github.com/machinebox/graphql"
	"github.com/pkg/errors"
	"github.com/vova616/xxhash"
)

// FlowExecutor submits engine invocations as prefect flow runs and waits for
// them to finish. The flow receives the invocation as its parameters.
type FlowExecutor struct {
	config.Config
	client       *graphql.Client
	flowID       string
	pollInterval time.Duration
}

// NewFlowExecutor creates an executor talking to the configured prefect server.
func NewFlowExecutor(cfg *config.Config) *FlowExecutor {
	// standard http client with our timeout
	httpClient := &http.Client{Timeout: time.Second * time.Duration(cfg.Environment.PrefectTimeoutSec)}

	// graphql client that uses our http client - our timeout is applied transitively
	client := graphql.NewClient(cfg.Environment.PrefectAddr, graphql.WithHTTPClient(httpClient))

	return &FlowExecutor{
		Config:       *cfg,
		client:       client,
		flowID:       cfg.Environment.PrefectFlowID,
		pollInterval: time.Duration(cfg.Environment.PrefectPollIntervalSec) * time.Second,
	}
}

type flowParameters struct {
	Program string   `json:"program"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
	Env     []string `json:"env"`
}

type flowSubmissionResponse struct {
	CreateFlowRun struct {
		ID string
	} `json:"create_flow_run"`
}

type flowRunState struct {
	FlowRun []struct {
		ID           string
		State        string
		StateMessage string `json:"state_message"`
	} `json:"flow_run"`
}

// Execute submits the invocation and polls the flow run until it is final.
func (f *FlowExecutor) Execute(ctx context.Context, inv Invocation) error {
	runID, err := f.submit(ctx, inv)
	if err != nil {
		return &ExecutionError{Kind: inv.Kind, Transient: true, Err: err}
	}
	f.Logger.Infof("Submitted %s step %s as flow run %s", inv.Kind, inv.Step, runID)

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		state, message, err := f.state(ctx, runID)
		if err != nil {
			// the run keeps going on the server, so polling errors are only logged
			f.Logger.Warnf("Failed to poll flow run %s: %v", runID, err)
			continue
		}
		switch state {
		case "Success":
			return nil
		case "Failed", "TimedOut":
			return &ExecutionError{
				Kind:      inv.Kind,
				Transient: isTransientMessage(message),
				Err:       errors.Errorf("flow run %s %s: %s", runID, strings.ToLower(state), message),
			}
		case "Cancelled":
			return &ExecutionError{Kind: inv.Kind, Err: errors.Errorf("flow run %s was cancelled", runID)}
		}
	}
}

func (f *FlowExecutor) submit(ctx context.Context, inv Invocation) (string, error) {
	params, err := json.Marshal(flowParameters{Program: inv.Program, Args: inv.Args, Dir: inv.Dir, Env: inv.Env})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal flow parameters")
	}
	escaped := strings.ReplaceAll(string(params), `"`, `\"`)

	// prefect fails to parse the parameters field when passed as a variable, so the
	// JSON is included through string formatting
	requestStr := fmt.Sprintf("mutation($id: String, $runName: String, $key: String) {"+
		"create_flow_run(input: { "+
		"   idempotency_key: $key, "+
		"	version_group_id: $id, "+
		"	flow_run_name: $runName, "+
		"	parameters: \"%s\""+
		"}) { "+
		"	id "+
		"}"+
		"}", escaped)

	mutation := graphql.NewRequest(requestStr)
	mutation.Var("id", f.flowID)
	mutation.Var("runName", fmt.Sprintf("%s:%s", inv.Step, inv.Key))
	// a resubmitted attempt carries a new key, so prefect only skips true duplicates
	mutation.Var("key", strconv.FormatUint(uint64(xxhash.Checksum32([]byte(inv.Key))), 16))

	var respData flowSubmissionResponse
	if err := f.client.Run(ctx, mutation, &respData); err != nil {
		return "", errors.Wrap(err, "failed to run flow")
	}
	if respData.CreateFlowRun.ID == "" {
		return "", errors.New("prefect returned no flow run id")
	}
	return respData.CreateFlowRun.ID, nil
}

func (f *FlowExecutor) state(ctx context.Context, runID string) (string, string, error) {
	query := graphql.NewRequest(`query($id: uuid) {
		flow_run(where: {id: {_eq: $id}}) {
			id
			state
			state_message
		}
	}`)
	query.Var("id", runID)

	var respData flowRunState
	if err := f.client.Run(ctx, query, &respData); err != nil {
		return "", "", errors.Wrap(err, "failed to fetch flow run")
	}
	if len(respData.FlowRun) == 0 {
		return "", "", errors.Errorf("flow run %s not found", runID)
	}
	return respData.FlowRun[0].State, respData.FlowRun[0].StateMessage, nil
}
