package engine

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aidss/lisbridge/api/registry"
	"github.com/aidss/lisbridge/config"
	"github.com/pkg/errors"
)

// Output file names written by the engines.
const (
	TileTablesDir      = "model-outputs-csv"
	TileMasksDir       = "masks"
	SlidePredictions   = "model_preds.csv"
	SlideRiskScore     = "risk_score.csv"
	SlideAttention     = "model_coords_attscores.csv"
	PatientPredictions = "patient-preds.csv"
	PatientClinicTable = "cli-table.csv"
	PatientSlideTable  = "slide-table.csv"
)

const defaultHubNamespace = "kaczmarj"

func invocationKey(req Request, step string) string {
	return fmt.Sprintf("%s/%s/%d", req.JobID, step, req.Attempt)
}

func prepareOutput(kind registry.EngineKind, dir string, stale ...string) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return &ExecutionError{Kind: kind, Err: errors.Wrapf(err, "failed to create output dir %s", dir)}
	}
	for _, f := range stale {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return &ExecutionError{Kind: kind, Err: errors.Wrapf(err, "failed to remove stale output %s", f)}
		}
	}
	return nil
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// TileAdapter runs the tile classification engine.
type TileAdapter struct {
	config.Config
	executor  Executor
	program   string
	modelsDir string
}

// NewTileAdapter creates the tile classification adapter.
func NewTileAdapter(cfg *config.Config, executor Executor) *TileAdapter {
	return &TileAdapter{
		Config:    *cfg,
		executor:  executor,
		program:   cfg.Environment.TileEngineBin,
		modelsDir: cfg.Environment.ModelsDir,
	}
}

// Kind implements Adapter.
func (t *TileAdapter) Kind() registry.EngineKind {
	return registry.Tile
}

// Run implements Adapter.
func (t *TileAdapter) Run(ctx context.Context, req Request) (RawOutput, error) {
	table := filepath.Join(req.OutputDir, TileTablesDir, req.Sample+".csv")
	if err := prepareOutput(registry.Tile, req.OutputDir, table); err != nil {
		return RawOutput{}, err
	}

	args := []string{"--backend=openslide", "run", "--wsi-dir", req.Slide.Root, "--results-dir", req.OutputDir}
	if req.Entry.Customized {
		modelDir := filepath.Join(t.modelsDir, req.Entry.Name)
		args = append(args, "--model-path", filepath.Join(modelDir, "model.pt"), "--config", filepath.Join(modelDir, "config.json"))
	} else {
		args = append(args, "--model", req.Entry.Resource)
	}

	err := t.executor.Execute(ctx, Invocation{
		Kind:    registry.Tile,
		Step:    "run",
		Program: t.program,
		Args:    args,
		Dir:     req.OutputDir,
		Env:     deviceEnv(req.Device),
		Key:     invocationKey(req, "run"),
	})
	if err != nil {
		return RawOutput{}, err
	}

	if !exists(table) {
		return RawOutput{}, fatal(registry.Tile, "engine produced no table %s", table)
	}
	out := RawOutput{Kind: registry.Tile, Sample: req.Sample, Dir: req.OutputDir, Table: table}
	if mask := filepath.Join(req.OutputDir, TileMasksDir, req.Sample+".jpg"); exists(mask) {
		out.Mask = mask
	}
	if runs, _ := filepath.Glob(filepath.Join(req.OutputDir, "run_metadata_*.json")); len(runs) > 0 {
		sort.Strings(runs)
		out.Run = runs[len(runs)-1]
	}
	return out, nil
}

// SlideAdapter runs the slide level attention pooling engine.
type SlideAdapter struct {
	config.Config
	executor Executor
	program  string
}

// NewSlideAdapter creates the slide level adapter.
func NewSlideAdapter(cfg *config.Config, executor Executor) *SlideAdapter {
	return &SlideAdapter{Config: *cfg, executor: executor, program: cfg.Environment.SlideEngineBin}
}

// Kind implements Adapter.
func (s *SlideAdapter) Kind() registry.EngineKind {
	return registry.Slide
}

// Run implements Adapter.
func (s *SlideAdapter) Run(ctx context.Context, req Request) (RawOutput, error) {
	preds := filepath.Join(req.OutputDir, SlidePredictions)
	risk := filepath.Join(req.OutputDir, SlideRiskScore)
	attention := filepath.Join(req.OutputDir, SlideAttention)
	if err := prepareOutput(registry.Slide, req.OutputDir, preds, risk, attention); err != nil {
		return RawOutput{}, err
	}

	model := req.Entry.Resource
	if !strings.Contains(model, "/") {
		model = defaultHubNamespace + "/" + model
	}
	// outputs are written to the working directory
	err := s.executor.Execute(ctx, Invocation{
		Kind:    registry.Slide,
		Step:    "run",
		Program: s.program,
		Args:    []string{"run", "-m", model, "-i", req.Slide.Container},
		Dir:     req.OutputDir,
		Env:     deviceEnv(req.Device),
		Key:     invocationKey(req, "run"),
	})
	if err != nil {
		return RawOutput{}, err
	}

	out := RawOutput{Kind: registry.Slide, Sample: req.Sample, Dir: req.OutputDir}
	switch {
	case exists(risk):
		out.Table = risk
		out.Risk = true
	case exists(preds):
		out.Table = preds
	default:
		return RawOutput{}, fatal(registry.Slide, "engine produced neither %s nor %s", SlidePredictions, SlideRiskScore)
	}
	if exists(attention) {
		out.Attention = attention
	}
	return out, nil
}

// PatientAdapter runs the patient level attention pooling engine: tiling,
// feature extraction and model deployment.
type PatientAdapter struct {
	config.Config
	executor  Executor
	tiler     string
	program   string
	modelsDir string
}

// NewPatientAdapter creates the patient level adapter.
func NewPatientAdapter(cfg *config.Config, executor Executor) *PatientAdapter {
	return &PatientAdapter{
		Config:    *cfg,
		executor:  executor,
		tiler:     cfg.Environment.TileEngineBin,
		program:   cfg.Environment.PatientEngineBin,
		modelsDir: cfg.Environment.ModelsDir,
	}
}

// Kind implements Adapter.
func (p *PatientAdapter) Kind() registry.EngineKind {
	return registry.Patient
}

// target and cohort are encoded in the model code as <target>_<cohort>
func targetAndCohort(entry registry.Entry) (string, string, bool) {
	parts := strings.SplitN(entry.Code, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Run implements Adapter.
func (p *PatientAdapter) Run(ctx context.Context, req Request) (RawOutput, error) {
	target, cohort, ok := targetAndCohort(req.Entry)
	if !ok {
		return RawOutput{}, fatal(registry.Patient, "model code %q does not name a target and cohort", req.Entry.Code)
	}
	if len(req.Entry.ClassNames) < 2 {
		return RawOutput{}, fatal(registry.Patient, "model %s needs two class names", req.Entry.Code)
	}

	preds := filepath.Join(req.OutputDir, PatientPredictions)
	if err := prepareOutput(registry.Patient, req.OutputDir, preds); err != nil {
		return RawOutput{}, err
	}
	clinic := filepath.Join(req.OutputDir, PatientClinicTable)
	slides := filepath.Join(req.OutputDir, PatientSlideTable)
	if err := writeScaffolds(req, target, clinic, slides); err != nil {
		return RawOutput{}, &ExecutionError{Kind: registry.Patient, Err: err}
	}

	env := deviceEnv(req.Device)
	steps := []Invocation{
		{
			Step:    "patch",
			Program: p.tiler,
			Args: []string{"--backend=openslide", "patch", "--wsi-dir", req.Slide.Root, "--results-dir", req.OutputDir,
				"--patch-size-px", "224", "--patch-spacing-um-px", "1.14"},
		},
		{
			Step:    "extract",
			Program: p.program,
			Args: []string{"-m", "marugoto.extract.xiyue_wang",
				"--checkpoint-path", filepath.Join(p.modelsDir, "marugoto", "best_ckpt.pth"),
				"--outdir", req.OutputDir,
				filepath.Join(req.OutputDir, "patches", req.Sample+".h5")},
		},
		{
			Step:    "deploy",
			Program: p.program,
			Args: []string{"-m", "marugoto.mil", "deploy",
				"--clini_table", clinic,
				"--slide-csv", slides,
				"--feature-dir", req.OutputDir,
				"--model-path", filepath.Join(p.modelsDir, "marugoto", cohort, target, "export.pkl"),
				"--output_path", req.OutputDir,
				"--target_label", target,
				"--cat_labels", "[" + strings.Join(req.Entry.ClassNames[:2], ",") + "]"},
		},
	}
	for _, step := range steps {
		step.Kind = registry.Patient
		step.Dir = req.OutputDir
		step.Env = env
		step.Key = invocationKey(req, step.Step)
		if err := p.executor.Execute(ctx, step); err != nil {
			return RawOutput{}, err
		}
	}

	if !exists(preds) {
		return RawOutput{}, fatal(registry.Patient, "engine produced no %s", PatientPredictions)
	}
	return RawOutput{Kind: registry.Patient, Sample: req.Sample, Dir: req.OutputDir, Table: preds}, nil
}

// writeScaffolds writes the clinical and slide tables the deployment step reads.
func writeScaffolds(req Request, target, clinic, slides string) error {
	if err := writeCSV(clinic, [][]string{
		{"PATIENT", target},
		{req.Sample, req.Entry.ClassNames[0]},
	}); err != nil {
		return err
	}
	return writeCSV(slides, [][]string{
		{"PATIENT", "FILENAME"},
		{req.Sample, req.Sample + "_features"},
	})
}

func writeCSV(p string, rows [][]string) error {
	f, err := os.Create(p)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", p)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to write %s", p)
	}
	return f.Close()
}
