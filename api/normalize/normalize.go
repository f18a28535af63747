package normalize

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/aidss/lisbridge/api/engine"
	"github.com/aidss/lisbridge/api/registry"
	"github.com/aidss/lisbridge/api/slide"
	"github.com/aidss/lisbridge/config"
)

// Style is how a result is rendered in the annotation bundle.
type Style string

const (
	// Gradient renders one measurement per tile on a continuous scale.
	Gradient Style = "gradient"
	// Categorical colors each tile by its predicted class.
	Categorical Style = "categorical"
	// Density renders per tile point clouds proportional to the score.
	Density Style = "density"
)

// MaxTopTiles is the number of best scoring tiles exported with a result.
const MaxTopTiles = 5

const topTileMinScore = 0.5

// TileScore is the canonical record of one tile.
type TileScore struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Score  float64 `json:"score"`
	Class  string  `json:"class"`
}

// Result is the canonical, engine independent form of one job's output.
type Result struct {
	Sample        string              `json:"sample"`
	Model         string              `json:"model"`
	ModelName     string              `json:"model_name"`
	Kind          registry.EngineKind `json:"kind"`
	Visualization string              `json:"visualization"`
	Style         Style               `json:"style"`
	// Classes are the path classes the overlay uses, in column order.
	Classes []string `json:"classes"`
	// Label and Score are the slide or patient level prediction.
	Label string      `json:"label,omitempty"`
	Score *float64    `json:"score,omitempty"`
	Risk  bool        `json:"risk,omitempty"`
	Tiles []TileScore `json:"tiles,omitempty"`
	// TopTiles are the best tiles in descending score order.
	TopTiles []TileScore `json:"top_tiles,omitempty"`
	Table    string      `json:"table,omitempty"`
	Mask     string      `json:"mask,omitempty"`
	Run      string      `json:"run,omitempty"`
}

// Error is a malformed engine output.
type Error struct {
	Model  string
	File   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("malformed output of model %s in %s: %s", e.Model, e.File, e.Reason)
}

// default survival thresholds by cohort, matched against the model name
var riskThresholds = []struct {
	cohort    string
	threshold float64
}{
	{"kirp", -2.84},
	{"gbmlgg", -3.22},
}

// Normalizer converts raw engine outputs into results.
type Normalizer struct {
	config.Config
}

// New creates a normalizer.
func New(cfg *config.Config) *Normalizer {
	return &Normalizer{Config: *cfg}
}

// Normalize converts raw into a result, logging malformed outputs.
func (n *Normalizer) Normalize(entry registry.Entry, raw engine.RawOutput) (*Result, error) {
	result, err := Normalize(entry, raw)
	if err != nil {
		n.Logger.Warnf("Failed to normalize %s output for sample %s: %v", entry.Code, raw.Sample, err)
		return nil, err
	}
	n.Logger.Debugf("Normalized %s output for sample %s: %d tiles", entry.Code, raw.Sample, len(result.Tiles))
	return result, nil
}

// Normalize converts the raw output of entry into a result. The same input
// always produces the same result.
func Normalize(entry registry.Entry, raw engine.RawOutput) (*Result, error) {
	result := &Result{
		Sample:        raw.Sample,
		Model:         entry.Code,
		ModelName:     entry.Name,
		Kind:          raw.Kind,
		Visualization: entry.Visualization,
		Table:         raw.Table,
		Mask:          raw.Mask,
		Run:           raw.Run,
	}
	var err error
	switch raw.Kind {
	case registry.Tile:
		err = normalizeTiles(entry, raw, result)
	case registry.Slide:
		err = normalizeSlide(entry, raw, result)
	case registry.Patient:
		err = normalizePatient(entry, raw, result)
	default:
		err = &Error{Model: entry.Code, File: raw.Table, Reason: fmt.Sprintf("unsupported engine kind %s", raw.Kind)}
	}
	if err != nil {
		return nil, err
	}
	sort.SliceStable(result.Tiles, func(i, j int) bool {
		a, b := result.Tiles[i], result.Tiles[j]
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return result, nil
}

type table struct {
	model   string
	file    string
	columns map[string]int
	header  []string
	rows    [][]string
	// subtracted from tile coordinates
	offset slide.Offset
}

func readTable(model, file string) (*table, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, &Error{Model: model, File: file, Reason: err.Error()}
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, &Error{Model: model, File: file, Reason: "empty table"}
	}
	if err != nil {
		return nil, &Error{Model: model, File: file, Reason: err.Error()}
	}
	t := &table{model: model, file: file, columns: map[string]int{}, header: header}
	for i, name := range header {
		name = strings.TrimPrefix(strings.TrimSpace(name), "\ufeff")
		header[i] = name
		if _, ok := t.columns[name]; !ok {
			t.columns[name] = i
		}
	}
	rows, err := r.ReadAll()
	if err != nil {
		return nil, &Error{Model: model, File: file, Reason: err.Error()}
	}
	t.rows = rows
	return t, nil
}

func (t *table) fail(format string, args ...interface{}) error {
	return &Error{Model: t.model, File: t.file, Reason: fmt.Sprintf(format, args...)}
}

func (t *table) require(names ...string) error {
	for _, name := range names {
		if _, ok := t.columns[name]; !ok {
			return t.fail("missing column %s", name)
		}
	}
	return nil
}

func (t *table) float(row int, column string) (float64, error) {
	return t.floatAt(row, t.columns[column])
}

func (t *table) floatAt(row, column int) (float64, error) {
	if column >= len(t.rows[row]) {
		return 0, t.fail("row %d has no column %s", row+1, t.header[column])
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(t.rows[row][column]), 64)
	if err != nil {
		return 0, t.fail("row %d column %s: %v", row+1, t.header[column], err)
	}
	return v, nil
}

func (t *table) tile(row int) (TileScore, error) {
	var values [4]float64
	for i, name := range []string{"minx", "miny", "width", "height"} {
		v, err := t.float(row, name)
		if err != nil {
			return TileScore{}, err
		}
		values[i] = v
	}
	return TileScore{
		X:      int(values[0]) - t.offset.X,
		Y:      int(values[1]) - t.offset.Y,
		Width:  int(values[2]),
		Height: int(values[3]),
	}, nil
}

// columns with the given prefix, in header order
func (t *table) prefixed(prefix string) []int {
	var found []int
	for i, name := range t.header {
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			found = append(found, i)
		}
	}
	return found
}

// argmax returns the index of the largest value, the first one on ties
func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// positiveClass is the class a measurement map shows: the second of two
// classes, otherwise the first.
func positiveClass(classes []string) string {
	if len(classes) == 2 {
		return classes[1]
	}
	return classes[0]
}

func normalizeTiles(entry registry.Entry, raw engine.RawOutput, result *Result) error {
	t, err := readTable(entry.Code, raw.Table)
	if err != nil {
		return err
	}
	t.offset = raw.Offset
	if err := t.require("minx", "miny", "width", "height"); err != nil {
		return err
	}
	probs := t.prefixed("prob_")
	if len(probs) == 0 {
		return t.fail("no probability columns")
	}
	classes := make([]string, len(probs))
	for i, c := range probs {
		classes[i] = strings.TrimPrefix(t.header[c], "prob_")
	}

	visualization := entry.Visualization
	if visualization == "" {
		visualization = registry.MeasurementMap
		if len(classes) > 2 {
			visualization = registry.ColorMap
		}
	}
	result.Visualization = visualization

	switch visualization {
	case registry.ColorMap:
		result.Style = Categorical
		result.Classes = classes
	case registry.MeasurementMap, registry.DensityMap:
		result.Style = Gradient
		if visualization == registry.DensityMap {
			result.Style = Density
		}
		names := entry.ClassNames
		if len(names) == 0 {
			names = classes
		}
		positive := positiveClass(names)
		column, ok := t.columns["prob_"+positive]
		if !ok {
			return t.fail("missing column prob_%s", positive)
		}
		probs = []int{column}
		result.Classes = []string{positive}
	default:
		return t.fail("unsupported visualization %s", visualization)
	}

	result.Tiles = make([]TileScore, 0, len(t.rows))
	scores := make([]float64, len(probs))
	for row := range t.rows {
		tile, err := t.tile(row)
		if err != nil {
			return err
		}
		for i, c := range probs {
			if scores[i], err = t.floatAt(row, c); err != nil {
				return err
			}
		}
		best := argmax(scores)
		tile.Score = scores[best]
		tile.Class = result.Classes[best]
		result.Tiles = append(result.Tiles, tile)
	}

	if entry.ExportTopTiles {
		result.TopTiles = topTiles(result.Tiles)
	}
	return nil
}

// topTiles returns up to MaxTopTiles tiles scoring above the export minimum,
// best first. Ties keep row order.
func topTiles(tiles []TileScore) []TileScore {
	sorted := make([]TileScore, len(tiles))
	copy(sorted, tiles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})
	var top []TileScore
	for _, tile := range sorted {
		if len(top) == MaxTopTiles || tile.Score <= topTileMinScore {
			break
		}
		top = append(top, tile)
	}
	return top
}

func riskThreshold(entry registry.Entry) (float64, bool) {
	if entry.RiskThreshold != nil {
		return *entry.RiskThreshold, true
	}
	name := strings.ToLower(entry.Name)
	for _, r := range riskThresholds {
		if strings.Contains(name, r.cohort) {
			return r.threshold, true
		}
	}
	return 0, false
}

func normalizeSlide(entry registry.Entry, raw engine.RawOutput, result *Result) error {
	t, err := readTable(entry.Code, raw.Table)
	if err != nil {
		return err
	}
	if len(t.rows) == 0 {
		return t.fail("no predictions")
	}

	if raw.Risk {
		if err := t.require("Risk_score"); err != nil {
			return err
		}
		score, err := t.float(0, "Risk_score")
		if err != nil {
			return err
		}
		threshold, ok := riskThreshold(entry)
		if !ok {
			return t.fail("no risk threshold for model %s", entry.Name)
		}
		result.Risk = true
		result.Label = "Low risk"
		if score >= threshold {
			result.Label = "High risk"
		}
		result.Score = &score
	} else {
		if err := t.require("Probability"); err != nil {
			return err
		}
		if len(t.rows) > len(entry.ClassNames) {
			return t.fail("%d predictions for %d class names", len(t.rows), len(entry.ClassNames))
		}
		probabilities := make([]float64, len(t.rows))
		for row := range t.rows {
			if probabilities[row], err = t.float(row, "Probability"); err != nil {
				return err
			}
		}
		best := argmax(probabilities)
		result.Label = entry.ClassNames[best]
		result.Score = &probabilities[best]
	}

	result.Style = Density
	if result.Visualization == "" {
		result.Visualization = registry.DensityMap
	}
	result.Classes = []string{result.Label}
	if raw.Attention == "" {
		return nil
	}
	return attentionTiles(entry, raw.Attention, raw.Offset, result)
}

func attentionTiles(entry registry.Entry, file string, offset slide.Offset, result *Result) error {
	t, err := readTable(entry.Code, file)
	if err != nil {
		return err
	}
	t.offset = offset
	if err := t.require("minx", "miny", "width", "height", "att_score_pct_rnk"); err != nil {
		return err
	}
	result.Tiles = make([]TileScore, 0, len(t.rows))
	for row := range t.rows {
		tile, err := t.tile(row)
		if err != nil {
			return err
		}
		if tile.Score, err = t.float(row, "att_score_pct_rnk"); err != nil {
			return err
		}
		tile.Class = result.Label
		result.Tiles = append(result.Tiles, tile)
	}
	return nil
}

func normalizePatient(entry registry.Entry, raw engine.RawOutput, result *Result) error {
	t, err := readTable(entry.Code, raw.Table)
	if err != nil {
		return err
	}
	target := strings.SplitN(entry.Code, "_", 2)[0]
	columns := t.prefixed(target + "_")
	if len(columns) == 0 {
		return t.fail("no %s_ prediction columns", target)
	}
	if len(t.rows) == 0 {
		return t.fail("no predictions")
	}
	scores := make([]float64, len(columns))
	classes := make([]string, len(columns))
	for i, c := range columns {
		classes[i] = strings.TrimPrefix(t.header[c], target+"_")
		if scores[i], err = t.floatAt(0, c); err != nil {
			return err
		}
	}
	best := argmax(scores)
	result.Label = classes[best]
	result.Score = &scores[best]
	result.Style = Categorical
	result.Classes = classes
	return nil
}
