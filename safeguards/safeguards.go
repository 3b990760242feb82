// Package safeguards provides serialization and recovery mechanisms for
// device operations and the local filesystem they write into.
package safeguards

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// OperationGuard serializes access to a device socket. The device protocol
// is strictly request/response: no operation may be issued while another
// one is outstanding on the same socket.
type OperationGuard struct {
	mu              sync.Mutex
	semaphore       chan struct{}
	maxConcurrent   int
	activeOps       int
	logger          logrus.FieldLogger
	healthCheckFunc func(context.Context) error
}

// GuardConfig configures the operation guard.
type GuardConfig struct {
	// MaxConcurrent is the maximum number of concurrent operations (default: 1)
	MaxConcurrent int
	// Logger for logging operations
	Logger logrus.FieldLogger
	// HealthCheckFunc is called before each operation to verify the session
	// is still usable
	HealthCheckFunc func(context.Context) error
}

// NewOperationGuard creates a new operation guard.
func NewOperationGuard(cfg GuardConfig) *OperationGuard {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &OperationGuard{
		semaphore:       make(chan struct{}, cfg.MaxConcurrent),
		maxConcurrent:   cfg.MaxConcurrent,
		logger:          cfg.Logger.WithField("component", "operation-guard"),
		healthCheckFunc: cfg.HealthCheckFunc,
	}
}

// Acquire acquires a slot for an operation.
// It performs the health check before allowing the operation to proceed.
func (g *OperationGuard) Acquire(ctx context.Context, opName string) error {
	// select picks randomly among ready cases
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before acquiring operation slot: %w", err)
	}
	select {
	case g.semaphore <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for operation slot: %w", ctx.Err())
	}

	g.mu.Lock()
	g.activeOps++
	activeOps := g.activeOps
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{
		"operation":  opName,
		"active_ops": activeOps,
	}).Trace("acquired operation slot")

	if g.healthCheckFunc != nil {
		if err := g.healthCheckFunc(ctx); err != nil {
			g.Release(opName)
			return err
		}
	}

	return nil
}

// Release releases an operation slot.
func (g *OperationGuard) Release(opName string) {
	g.mu.Lock()
	g.activeOps--
	g.mu.Unlock()

	<-g.semaphore
}

// ActiveOperations returns the number of active operations.
func (g *OperationGuard) ActiveOperations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeOps
}

// WithOperation executes a function with operation guard protection.
func (g *OperationGuard) WithOperation(ctx context.Context, opName string, fn func() error) error {
	if err := g.Acquire(ctx, opName); err != nil {
		return err
	}
	defer g.Release(opName)
	return fn()
}

// RecoverableOperation wraps a function with panic recovery.
func RecoverableOperation(logger logrus.FieldLogger, opName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(stack),
			}).Error("recovered from panic in operation")
			err = fmt.Errorf("panic in operation %s: %v", opName, r)
		}
	}()
	return fn()
}

// OutputDirChecker verifies that the download directory can take more files.
type OutputDirChecker struct {
	logger       logrus.FieldLogger
	dir          string
	minFreeBytes uint64
}

// NewOutputDirChecker creates a checker for dir. minFreeBytes of 0 disables
// the free space check.
func NewOutputDirChecker(dir string, minFreeBytes uint64, logger logrus.FieldLogger) *OutputDirChecker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &OutputDirChecker{
		logger:       logger.WithField("component", "output-dir-checker"),
		dir:          dir,
		minFreeBytes: minFreeBytes,
	}
}

// CheckAll performs all checks.
func (c *OutputDirChecker) CheckAll(ctx context.Context) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	return c.checkFreeSpace()
}

func (c *OutputDirChecker) checkWritable() error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", c.dir, err)
	}
	probe, err := os.CreateTemp(c.dir, ".camxfer-probe-*")
	if err != nil {
		return fmt.Errorf("output directory %s is not writable: %w", c.dir, err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return nil
}

func (c *OutputDirChecker) checkFreeSpace() error {
	if c.minFreeBytes == 0 {
		return nil
	}
	var st unix.Statfs_t
	if err := unix.Statfs(filepath.Clean(c.dir), &st); err != nil {
		return nil // Ignore errors, not every filesystem reports usage
	}
	free := st.Bavail * uint64(st.Bsize)
	if free < c.minFreeBytes {
		c.logger.WithFields(logrus.Fields{
			"free_bytes":     free,
			"required_bytes": c.minFreeBytes,
		}).Warn("low disk space in output directory")
		return fmt.Errorf("low disk space: only %d bytes free in %s", free, c.dir)
	}
	return nil
}
