package slide

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	vendorProperty  = "openslide.vendor"
	boundsXProperty = "openslide.bounds-x"
	boundsYProperty = "openslide.bounds-y"
	miraxVendor     = "mirax"
)

// Offset is the origin of the scanned area in level 0 pixels. Engines report
// tile coordinates against the full slide plane, viewers against the scanned
// area.
type Offset struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// PropertyReader reads the properties of a slide container.
type PropertyReader interface {
	Properties(ctx context.Context, container string) (map[string]string, error)
}

// CommandPropertyReader runs a program printing one `name: 'value'` line per
// property, like openslide-show-properties.
type CommandPropertyReader struct {
	Program string
}

// Properties runs the program on container.
func (c CommandPropertyReader) Properties(ctx context.Context, container string) (map[string]string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Program, container)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "failed to read properties of %s: %s", container, strings.TrimSpace(stderr.String()))
	}
	return ParseProperties(&stdout)
}

// ParseProperties reads `name: 'value'` lines. Lines without a separator are
// ignored.
func ParseProperties(r io.Reader) (map[string]string, error) {
	props := map[string]string{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		name, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		props[strings.TrimSpace(name)] = strings.Trim(strings.TrimSpace(value), "'")
	}
	return props, errors.Wrap(scanner.Err(), "failed to parse slide properties")
}

// OffsetOf returns the scanned area origin described by props. Only MIRAX
// slides have one.
func OffsetOf(props map[string]string) (Offset, error) {
	if props[vendorProperty] != miraxVendor {
		return Offset{}, nil
	}
	x, err := strconv.Atoi(props[boundsXProperty])
	if err != nil {
		return Offset{}, errors.Wrapf(err, "invalid %s", boundsXProperty)
	}
	y, err := strconv.Atoi(props[boundsYProperty])
	if err != nil {
		return Offset{}, errors.Wrapf(err, "invalid %s", boundsYProperty)
	}
	return Offset{X: x, Y: y}, nil
}
