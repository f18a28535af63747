package annotation

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/aidss/lisbridge/api/normalize"
	"github.com/aidss/lisbridge/config"
	"github.com/pkg/errors"
)

// Bundle layout.
const (
	ProjectFile  = "project.json"
	ClassesFile  = "classifiers/classes/classes.json"
	OverlaysDir  = "overlays"
	ManifestFile = "manifest.json"
)

const projectVersion = 1

// Color is an RGBA color.
type Color struct {
	R, G, B, A uint8
}

// ARGB packs the color the way the viewer stores path class colors.
func (c Color) ARGB() int32 {
	return int32(uint32(c.A)<<24 | uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B))
}

func rgb(r, g, b uint8) Color {
	return Color{R: r, G: g, B: b, A: 255}
}

// palette for categorical classes, in class order
var tab10 = []Color{
	rgb(31, 119, 180),
	rgb(255, 127, 14),
	rgb(44, 160, 44),
	rgb(214, 39, 40),
	rgb(148, 103, 189),
	rgb(140, 86, 75),
	rgb(227, 119, 194),
	rgb(127, 127, 127),
	rgb(188, 189, 34),
	rgb(23, 190, 207),
}

var (
	measurementColor = rgb(128, 128, 128)
	densityColor     = rgb(200, 193, 240)
	tileColor        = Color{R: 255, G: 255, B: 255, A: 128}
)

// tileClass holds the tile grid of density overlays.
const tileClass = "Tiles"

// Overlay describes one model's layer in a bundle.
type Overlay struct {
	Model         string          `json:"model"`
	ModelName     string          `json:"model_name"`
	File          string          `json:"file"`
	Style         normalize.Style `json:"style"`
	Visualization string          `json:"visualization"`
	Label         string          `json:"label,omitempty"`
	Score         *float64        `json:"score,omitempty"`
	Tiles         int             `json:"tiles"`
}

// Project is a written annotation bundle.
type Project struct {
	Dir      string    `json:"-"`
	Sample   string    `json:"sample"`
	Slide    string    `json:"slide"`
	Overlays []Overlay `json:"overlays"`
}

// Error is a failure to build a bundle.
type Error struct {
	Dest string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to build annotation bundle %s: %v", e.Dest, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Builder writes annotation bundles.
type Builder struct {
	config.Config
}

// NewBuilder creates a bundle builder.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{Config: *cfg}
}

// Build writes a bundle for results to dest, replacing any previous bundle.
// The bundle is assembled next to dest and moved into place, so dest either
// holds the previous bundle or the complete new one.
func (b *Builder) Build(dest, slideRef string, results ...*normalize.Result) (*Project, error) {
	if len(results) == 0 {
		return nil, &Error{Dest: dest, Err: errors.New("no results")}
	}
	sample := results[0].Sample
	for _, r := range results[1:] {
		if r.Sample != sample {
			return nil, &Error{Dest: dest, Err: errors.Errorf("results of samples %s and %s cannot share a bundle", sample, r.Sample)}
		}
	}

	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, os.ModePerm); err != nil {
		return nil, &Error{Dest: dest, Err: err}
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dest)+"-")
	if err != nil {
		return nil, &Error{Dest: dest, Err: err}
	}
	defer os.RemoveAll(tmp)

	project, err := write(tmp, sample, slideRef, results)
	if err != nil {
		return nil, &Error{Dest: dest, Err: err}
	}
	if err := swap(tmp, dest); err != nil {
		return nil, &Error{Dest: dest, Err: err}
	}
	project.Dir = dest
	b.Logger.Infof("Wrote annotation bundle for sample %s with %d overlays to %s", sample, len(project.Overlays), dest)
	return project, nil
}

var rename = os.Rename

// swap moves the finished bundle at tmp into dest. The previous bundle is
// restored when the move fails.
func swap(tmp, dest string) error {
	if _, err := os.Stat(dest); err != nil {
		return errors.Wrap(rename(tmp, dest), "failed to move bundle into place")
	}
	old := tmp + ".old"
	if err := rename(dest, old); err != nil {
		return errors.Wrap(err, "failed to move previous bundle aside")
	}
	if err := rename(tmp, dest); err != nil {
		if restoreErr := rename(old, dest); restoreErr != nil {
			return errors.Wrapf(err, "failed to move bundle into place, previous bundle left at %s", old)
		}
		return errors.Wrap(err, "failed to move bundle into place")
	}
	return os.RemoveAll(old)
}

func overlayFile(model string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ".", "_").Replace(model) + ".geojson"
}

func write(dir, sample, slideRef string, results []*normalize.Result) (*Project, error) {
	project := &Project{Sample: sample, Slide: slideRef}
	var (
		classes      []pathClass
		descriptions []string
	)
	seen := map[string]bool{}
	addClass := func(c pathClass) {
		if !seen[c.Name] {
			seen[c.Name] = true
			classes = append(classes, c)
		}
	}

	for _, r := range results {
		file := filepath.Join(OverlaysDir, overlayFile(r.Model))
		palette := colors(r)
		for _, name := range r.Classes {
			addClass(pathClass{Name: name, Color: palette[name].ARGB()})
		}
		if r.Style == normalize.Density {
			addClass(pathClass{Name: tileClass, Color: tileColor.ARGB()})
		}
		if err := writeJSON(filepath.Join(dir, file), overlay(r, palette)); err != nil {
			return nil, err
		}
		project.Overlays = append(project.Overlays, Overlay{
			Model:         r.Model,
			ModelName:     r.ModelName,
			File:          filepath.ToSlash(file),
			Style:         r.Style,
			Visualization: r.Visualization,
			Label:         r.Label,
			Score:         r.Score,
			Tiles:         len(r.Tiles),
		})
		descriptions = append(descriptions, describe(r))
	}

	if err := writeJSON(filepath.Join(dir, ClassesFile), classesFile{PathClasses: classes}); err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(dir, ProjectFile), projectFile{
		Version: projectVersion,
		Images: []imageEntry{{
			Name:        sample,
			ServerPath:  slideRef,
			ImageType:   "BRIGHTFIELD_H_E",
			Description: strings.Join(descriptions, "\n"),
		}},
	}); err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(dir, ManifestFile), project); err != nil {
		return nil, err
	}
	return project, nil
}

func describe(r *normalize.Result) string {
	switch {
	case r.Score == nil:
		return fmt.Sprintf("%s: %d tiles", r.ModelName, len(r.Tiles))
	case r.Risk:
		return fmt.Sprintf("%s: slide predicted %s with a risk score of %g", r.ModelName, r.Label, *r.Score)
	default:
		return fmt.Sprintf("%s: slide predicted %s with a prediction score of %g", r.ModelName, r.Label, *r.Score)
	}
}

// colors assigns a color to every class of r according to its style.
func colors(r *normalize.Result) map[string]Color {
	palette := make(map[string]Color, len(r.Classes))
	for i, name := range r.Classes {
		switch r.Style {
		case normalize.Categorical:
			palette[name] = tab10[i%len(tab10)]
		case normalize.Density:
			palette[name] = densityColor
		default:
			palette[name] = measurementColor
		}
	}
	return palette
}

// densityPoints is the number of points a density overlay draws for score,
// one per started tenth, between 1 and 9.
func densityPoints(score float64) int {
	n := int(math.Floor(score*10 + 1e-9))
	if n < 1 {
		return 1
	}
	if n > 9 {
		return 9
	}
	return n
}

func overlay(r *normalize.Result, palette map[string]Color) featureCollection {
	fc := featureCollection{Type: "FeatureCollection", Features: []feature{}}
	for _, t := range r.Tiles {
		x0, y0 := float64(t.X), float64(t.Y)
		x1, y1 := float64(t.X+t.Width), float64(t.Y+t.Height)
		square := [][][2]float64{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}

		if r.Style == normalize.Density {
			fc.Features = append(fc.Features, feature{
				Type:     "Feature",
				Geometry: geometry{Type: "Polygon", Coordinates: square},
				Properties: properties{
					ObjectType:     "tile",
					Classification: classification(tileClass, tileColor),
				},
			})
			center := [2]float64{x0 + float64(t.Width)/2, y0 + float64(t.Height)/2}
			points := make([][2]float64, densityPoints(t.Score))
			for i := range points {
				points[i] = center
			}
			fc.Features = append(fc.Features, feature{
				Type:     "Feature",
				Geometry: geometry{Type: "MultiPoint", Coordinates: points},
				Properties: properties{
					ObjectType:     "detection",
					Classification: classification(t.Class, palette[t.Class]),
					Measurements:   map[string]float64{"attention": t.Score},
				},
			})
			continue
		}

		fc.Features = append(fc.Features, feature{
			Type:     "Feature",
			Geometry: geometry{Type: "Polygon", Coordinates: square},
			Properties: properties{
				ObjectType:     "tile",
				Classification: classification(t.Class, palette[t.Class]),
				Measurements:   map[string]float64{t.Class: t.Score},
			},
		})
	}
	return fc
}

func classification(name string, c Color) *classTag {
	return &classTag{Name: name, Color: [3]uint8{c.R, c.G, c.B}}
}

func writeJSON(p string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(p), os.ModePerm); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(p))
	}
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s", filepath.Base(p))
	}
	return errors.Wrapf(os.WriteFile(p, bytes, 0644), "failed to write %s", p)
}

type pathClass struct {
	Name  string `json:"name"`
	Color int32  `json:"color"`
}

type classesFile struct {
	PathClasses []pathClass `json:"pathClasses"`
}

type imageEntry struct {
	Name        string `json:"imageName"`
	ServerPath  string `json:"serverPath"`
	ImageType   string `json:"imageType"`
	Description string `json:"description"`
}

type projectFile struct {
	Version int          `json:"version"`
	Images  []imageEntry `json:"images"`
}

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Type       string     `json:"type"`
	Geometry   geometry   `json:"geometry"`
	Properties properties `json:"properties"`
}

type geometry struct {
	Type        string      `json:"type"`
	Coordinates interface{} `json:"coordinates"`
}

type classTag struct {
	Name  string   `json:"name"`
	Color [3]uint8 `json:"color"`
}

type properties struct {
	ObjectType     string             `json:"objectType"`
	Classification *classTag          `json:"classification,omitempty"`
	Measurements   map[string]float64 `json:"measurements,omitempty"`
}
