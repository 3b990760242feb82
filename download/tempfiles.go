package download

import (
	"errors"
	"io/fs"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// TempFiles tracks the ".part" files of transfers that have not completed.
// Whatever is still registered when the process gives up holds incomplete
// data and is removed by Cleanup.
type TempFiles struct {
	mu    sync.Mutex
	paths map[string]struct{}
	log   logrus.FieldLogger
}

// NewTempFiles returns an empty registry.
func NewTempFiles(logger logrus.FieldLogger) *TempFiles {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TempFiles{
		paths: map[string]struct{}{},
		log:   logger.WithField("component", "tempfiles"),
	}
}

// Track registers path for deletion on abnormal exit.
func (t *TempFiles) Track(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paths[path] = struct{}{}
}

// Forget unregisters path after the transfer completed and the file was
// renamed to its final name.
func (t *TempFiles) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.paths, path)
}

// Pending returns the registered paths in sorted order.
func (t *TempFiles) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.paths))
	for p := range t.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Remove deletes path if it is registered and unregisters it.
func (t *TempFiles) Remove(path string) {
	t.mu.Lock()
	_, ok := t.paths[path]
	delete(t.paths, path)
	t.mu.Unlock()
	if ok {
		t.remove(path)
	}
}

// Cleanup deletes every registered file and returns how many were removed.
func (t *TempFiles) Cleanup() int {
	n := 0
	for _, p := range t.Pending() {
		if t.remove(p) {
			n++
		}
		t.Forget(p)
	}
	return n
}

func (t *TempFiles) remove(path string) bool {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		t.log.WithError(err).WithField("path", path).Warn("failed to remove incomplete download")
		return false
	}
	if err == nil {
		t.log.WithField("path", path).Debug("removed incomplete download")
	}
	return err == nil
}
