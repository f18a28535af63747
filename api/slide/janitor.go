package slide

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aidss/lisbridge/config"
)

// Janitor periodically removes staged slides that have not been used for a
// while.
type Janitor struct {
	config.Config
	resolver *ArchiveResolver
	maxAge   time.Duration
	interval time.Duration
	done     chan bool
	running  bool
	mutex    *sync.RWMutex
	wg       sync.WaitGroup
}

// NewJanitor creates a janitor for the resolver's staging directory.
func NewJanitor(cfg *config.Config, resolver *ArchiveResolver) *Janitor {
	return &Janitor{
		Config:   *cfg,
		resolver: resolver,
		maxAge:   time.Duration(cfg.Environment.StagingMaxAgeHours) * time.Hour,
		interval: time.Duration(cfg.Environment.StagingCleanupIntervalMin) * time.Minute,
		done:     make(chan bool),
		mutex:    &sync.RWMutex{},
	}
}

// Start begins periodic cleanup.
func (j *Janitor) Start() {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.running || j.interval <= 0 {
		return
	}
	j.running = true

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.done:
				return
			case <-ticker.C:
				j.Sweep(time.Now())
			}
		}
	}()
}

// Stop ends periodic cleanup.
func (j *Janitor) Stop() {
	j.mutex.Lock()
	if !j.running {
		j.mutex.Unlock()
		return
	}
	j.running = false
	j.mutex.Unlock()

	j.done <- true
	j.wg.Wait()
}

// Sweep removes staged samples last used before now minus the maximum age and
// returns the removed sample ids.
func (j *Janitor) Sweep(now time.Time) []string {
	entries, err := os.ReadDir(j.resolver.StagingDir())
	if err != nil {
		j.Logger.Warnf("Failed to list staging dir: %v", err)
		return nil
	}

	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sample := entry.Name()
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) < j.maxAge {
			continue
		}
		// the staging lock keeps a concurrent Resolve from reusing the directory
		if !j.resolver.locks.TryLock(sample) {
			continue
		}
		if !j.resolver.InUse(sample) {
			if err := os.RemoveAll(filepath.Join(j.resolver.StagingDir(), sample)); err != nil {
				j.Logger.Warnf("Failed to remove staged slide %s: %v", sample, err)
			} else {
				removed = append(removed, sample)
			}
		}
		j.resolver.locks.Unlock(sample)
	}
	if len(removed) > 0 {
		j.Logger.Infof("Removed %d staged slides", len(removed))
	}
	return removed
}
