package registry

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/aidss/lisbridge/config"
	"github.com/pkg/errors"
)

// EngineKind is the category of inference backend a model runs on.
type EngineKind int

const (
	// Tile is a tile classification grid engine.
	Tile EngineKind = iota + 1
	// Slide is a slide level attention pooling engine.
	Slide
	// Patient is a patient level attention pooling engine.
	Patient
)

func (k EngineKind) String() string {
	switch k {
	case Tile:
		return "tile"
	case Slide:
		return "slide"
	case Patient:
		return "patient"
	}
	return fmt.Sprintf("EngineKind(%d)", int(k))
}

// MarshalText renders the kind by name in JSON and logs.
func (k EngineKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseEngineKind accepts the kind names and the engine toolbox names used in
// model tables.
func ParseEngineKind(s string) (EngineKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tile", "wsinfer":
		return Tile, nil
	case "slide", "wsinfer-mil":
		return Slide, nil
	case "patient", "marugoto":
		return Patient, nil
	}
	return 0, errors.Errorf("unknown engine kind %q", s)
}

// Visualization styles a model table may request.
const (
	MeasurementMap = "measurement_map"
	ColorMap       = "color_map"
	DensityMap     = "density_map"
)

// Entry is the execution profile of one model.
type Entry struct {
	Code           string     `json:"code"`
	Name           string     `json:"name"`
	Kind           EngineKind `json:"kind"`
	Resource       string     `json:"resource"`
	SchemaVersion  int        `json:"schema_version"`
	ClassNames     []string   `json:"class_names,omitempty"`
	Visualization  string     `json:"visualization,omitempty"`
	RiskThreshold  *float64   `json:"risk_threshold,omitempty"`
	ExportTopTiles bool       `json:"export_top_tiles"`
	Customized     bool       `json:"customized"`
}

// UnknownModelError is returned when a model code has no table entry.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %q", e.Model)
}

// Registry maps model codes to their execution profile. It is never modified
// after Load returns.
type Registry struct {
	entries map[string]Entry
	source  string
}

// canonical column names and the aliases found in existing tables
var columnAliases = map[string]string{
	"model_code":       "model_code",
	"spm_4.2":          "model_code",
	"model_name":       "model_name",
	"engine":           "engine",
	"toolbox":          "engine",
	"resource":         "resource",
	"schema_version":   "schema_version",
	"class_names":      "class_names",
	"visualization":    "visualization",
	"risk_threshold":   "risk_threshold",
	"export_top_tiles": "export_top_tiles",
	"customized":       "customized",
}

var requiredColumns = []string{"model_code", "model_name", "engine"}

// Load reads the model encoding table at path.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, config.NewError("ModelTable", "cannot open %s: %v", path, err)
	}
	defer f.Close()

	reg, err := Read(f)
	if err != nil {
		return nil, err
	}
	reg.source = path
	return reg, nil
}

// Read parses a model encoding table.
func Read(r io.Reader) (*Registry, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, config.NewError("ModelTable", "table is empty")
	}
	if err != nil {
		return nil, config.NewError("ModelTable", "unreadable header: %v", err)
	}

	columns := map[string]int{}
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if canonical, ok := columnAliases[key]; ok {
			columns[canonical] = i
		}
	}
	for _, c := range requiredColumns {
		if _, ok := columns[c]; !ok {
			return nil, config.NewError("ModelTable", "missing column %s", c)
		}
	}

	entries := map[string]Entry{}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, config.NewError("ModelTable", "line %d: %v", line, err)
		}
		if blank(record) {
			continue
		}
		entry, err := parseRow(record, columns)
		if err != nil {
			return nil, config.NewError("ModelTable", "line %d: %v", line, err)
		}
		if _, ok := entries[entry.Code]; ok {
			return nil, config.NewError("ModelTable", "line %d: duplicate model %q", line, entry.Code)
		}
		entries[entry.Code] = entry
	}

	if len(entries) == 0 {
		return nil, config.NewError("ModelTable", "table has no models")
	}
	return &Registry{entries: entries}, nil
}

func parseRow(record []string, columns map[string]int) (Entry, error) {
	field := func(name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	entry := Entry{
		Code:          field("model_code"),
		Name:          field("model_name"),
		Resource:      field("resource"),
		Visualization: strings.ToLower(field("visualization")),
		SchemaVersion: 1,
	}
	if entry.Code == "" {
		return entry, errors.New("model code is empty")
	}
	if entry.Name == "" {
		return entry, errors.Errorf("model %s has no name", entry.Code)
	}
	if entry.Resource == "" {
		entry.Resource = entry.Name
	}

	kind, err := ParseEngineKind(field("engine"))
	if err != nil {
		return entry, err
	}
	entry.Kind = kind

	if v := field("schema_version"); v != "" {
		entry.SchemaVersion, err = strconv.Atoi(v)
		if err != nil || entry.SchemaVersion < 1 {
			return entry, errors.Errorf("bad schema version %q", v)
		}
	}
	if v := field("class_names"); v != "" {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				entry.ClassNames = append(entry.ClassNames, c)
			}
		}
	}
	switch entry.Visualization {
	case "", MeasurementMap, ColorMap, DensityMap:
	default:
		return entry, errors.Errorf("unknown visualization %q", entry.Visualization)
	}
	if v := field("risk_threshold"); v != "" {
		threshold, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return entry, errors.Errorf("bad risk threshold %q", v)
		}
		entry.RiskThreshold = &threshold
	}
	if entry.ExportTopTiles, err = parseFlag(field("export_top_tiles")); err != nil {
		return entry, err
	}
	if entry.Customized, err = parseFlag(field("customized")); err != nil {
		return entry, err
	}
	return entry, nil
}

func parseFlag(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "", "no", "n", "false", "0":
		return false, nil
	case "yes", "y", "true", "1":
		return true, nil
	}
	return false, errors.Errorf("bad flag value %q", v)
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// Lookup returns the entry for an exact model code match.
func (r *Registry) Lookup(model string) (Entry, error) {
	entry, ok := r.entries[model]
	if !ok {
		return Entry{}, &UnknownModelError{Model: model}
	}
	return entry, nil
}

// Len returns the number of models.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Names returns the model codes in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Source returns the path the table was loaded from.
func (r *Registry) Source() string {
	return r.source
}
