package slide

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aidss/lisbridge/config"
	"github.com/pkg/errors"
)

// Status tells whether a slide could be located.
type Status int

const (
	// NotFound means the archive holds no usable slide directory for the sample.
	NotFound Status = iota
	// Found means the slide was staged and is ready for an engine.
	Found
)

// Resolution is the outcome of resolving a sample to a staged slide.
type Resolution struct {
	Status Status
	Sample string
	// Root is the per sample staging directory handed to engines as their input dir.
	Root string
	// Dir holds the slide files.
	Dir string
	// Container is the single file entry point of the slide.
	Container string
	// Offset is subtracted from engine tile coordinates.
	Offset Offset

	release func()
}

// Release marks the staged slide as no longer used by a job.
func (r Resolution) Release() {
	if r.release != nil {
		r.release()
	}
}

// Err returns a NotFoundError for unresolved samples.
func (r Resolution) Err() error {
	if r.Status == Found {
		return nil
	}
	return &NotFoundError{Sample: r.Sample}
}

// NotFoundError reports a sample without a slide directory.
type NotFoundError struct {
	Sample string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("slide not found for sample %q", e.Sample)
}

// Resolver locates the slide belonging to a sample.
type Resolver interface {
	Resolve(ctx context.Context, sample string) (Resolution, error)
}

// ArchiveResolver resolves samples against a slide archive holding one
// directory per sample and stages them into a working directory.
type ArchiveResolver struct {
	config.Config
	archive      string
	staging      string
	metadataFile string
	containerExt string
	locks        *keyedMutex
	usageMutex   sync.Mutex
	usage        map[string]int
	// nil when offsets are not read
	properties PropertyReader
	offsets    map[string]Offset
}

// NewArchiveResolver creates a resolver from the configured directories.
func NewArchiveResolver(cfg *config.Config) (*ArchiveResolver, error) {
	env := cfg.Environment
	if err := os.MkdirAll(env.StagingDir, os.ModePerm); err != nil {
		return nil, errors.Wrapf(err, "failed to create staging dir %s", env.StagingDir)
	}
	resolver := &ArchiveResolver{
		Config:       *cfg,
		archive:      env.SlidesArchive,
		staging:      env.StagingDir,
		metadataFile: env.SlideMetadataFile,
		containerExt: env.SlideContainerExt,
		locks:        newKeyedMutex(),
		usage:        map[string]int{},
		offsets:      map[string]Offset{},
	}
	if env.SlidePropertiesBin != "" {
		resolver.properties = CommandPropertyReader{Program: env.SlidePropertiesBin}
	}
	return resolver, nil
}

// SetPropertyReader replaces the reader of slide offsets. nil disables them.
func (a *ArchiveResolver) SetPropertyReader(properties PropertyReader) {
	a.properties = properties
}

// validSample rejects identifiers that would escape the archive.
func validSample(sample string) bool {
	if sample == "" || sample == "." || sample == ".." {
		return false
	}
	return !strings.ContainsAny(sample, `/\`) && !strings.ContainsRune(sample, 0)
}

// Resolve stages the slide of sample. Staging of the same sample is serialized;
// a slide already staged is reused.
func (a *ArchiveResolver) Resolve(ctx context.Context, sample string) (Resolution, error) {
	res := Resolution{Status: NotFound, Sample: sample}
	if !validSample(sample) {
		return res, nil
	}

	source := filepath.Join(a.archive, sample)
	if !isFile(filepath.Join(source, a.metadataFile)) {
		return res, nil
	}

	a.locks.Lock(sample)
	defer a.locks.Unlock(sample)

	if err := ctx.Err(); err != nil {
		return res, err
	}

	root := filepath.Join(a.staging, sample)
	dir := filepath.Join(root, sample)
	container := filepath.Join(root, sample+a.containerExt)

	if !isFile(filepath.Join(dir, a.metadataFile)) {
		a.Logger.Infof("Staging slide %s into %s", sample, root)
		if err := os.RemoveAll(root); err != nil {
			return res, errors.Wrapf(err, "failed to clear staging dir %s", root)
		}
		// copied under a temporary name so an interrupted copy is never reused
		partial := dir + ".partial"
		if err := copyTree(ctx, source, partial); err != nil {
			_ = os.RemoveAll(root)
			return res, errors.Wrapf(err, "failed to stage slide %s", sample)
		}
		if err := os.Rename(partial, dir); err != nil {
			_ = os.RemoveAll(root)
			return res, errors.Wrapf(err, "failed to stage slide %s", sample)
		}
	}

	if !isFile(container) {
		archived := filepath.Join(a.archive, sample+a.containerExt)
		if isFile(archived) {
			if err := copyFile(archived, container); err != nil {
				return res, errors.Wrapf(err, "failed to stage container for %s", sample)
			}
		} else {
			f, err := os.Create(container)
			if err != nil {
				return res, errors.Wrapf(err, "failed to create container for %s", sample)
			}
			f.Close()
		}
	}

	offset, err := a.offset(ctx, sample, container)
	if err != nil {
		return res, err
	}

	now := time.Now()
	_ = os.Chtimes(root, now, now)

	a.acquire(sample)
	res.Status = Found
	res.Root = root
	res.Dir = dir
	res.Container = container
	res.Offset = offset
	res.release = func() { a.releaseSample(sample) }
	return res, nil
}

// offset reads the scanned area origin of a staged slide once per sample.
// Callers hold the sample lock.
func (a *ArchiveResolver) offset(ctx context.Context, sample, container string) (Offset, error) {
	if a.properties == nil {
		return Offset{}, nil
	}
	a.usageMutex.Lock()
	offset, ok := a.offsets[sample]
	a.usageMutex.Unlock()
	if ok {
		return offset, nil
	}

	props, err := a.properties.Properties(ctx, container)
	if err != nil {
		return Offset{}, errors.Wrapf(err, "failed to read offset of slide %s", sample)
	}
	offset, err = OffsetOf(props)
	if err != nil {
		return Offset{}, errors.Wrapf(err, "failed to read offset of slide %s", sample)
	}
	if offset != (Offset{}) {
		a.Logger.Infof("Slide %s scanned area starts at %d,%d", sample, offset.X, offset.Y)
	}

	a.usageMutex.Lock()
	a.offsets[sample] = offset
	a.usageMutex.Unlock()
	return offset, nil
}

func (a *ArchiveResolver) acquire(sample string) {
	a.usageMutex.Lock()
	defer a.usageMutex.Unlock()
	a.usage[sample]++
}

func (a *ArchiveResolver) releaseSample(sample string) {
	a.usageMutex.Lock()
	defer a.usageMutex.Unlock()
	if a.usage[sample] <= 1 {
		delete(a.usage, sample)
		return
	}
	a.usage[sample]--
}

// InUse reports whether a job still works on the staged sample.
func (a *ArchiveResolver) InUse(sample string) bool {
	a.usageMutex.Lock()
	defer a.usageMutex.Unlock()
	return a.usage[sample] > 0
}

// StagingDir returns the directory slides are staged into.
func (a *ArchiveResolver) StagingDir() string {
	return a.staging
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, os.ModePerm)
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
