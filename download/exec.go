package download

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superfly/camxfer/catalog"
)

// ErrHookLaunch is returned when the post-download program cannot be started.
var ErrHookLaunch = errors.New("failed to launch download hook")

// HookExitError reports a post-download program that exited non-zero while
// HookOptions.ExitOnFailCode is set.
type HookExitError struct {
	Args     []string
	ExitCode int
}

func (e *HookExitError) Error() string {
	return fmt.Sprintf("download hook %q exited with code %d", e.Args[0], e.ExitCode)
}

// HookOptions modify how the post-download program is run.
type HookOptions struct {
	// Wait blocks until the program exits, keeping the session alive
	Wait bool

	// ExitOnFailCode ends the run when a waited-for program exits non-zero
	ExitOnFailCode bool

	// Delay pauses after launching before the next download
	Delay bool

	// NoTildeReplacement keeps '~' in arguments instead of turning it into '-'
	NoTildeReplacement bool

	// IgnoreLaunchError logs launch failures instead of ending the run
	IgnoreLaunchError bool
}

// ParseHookOptions parses option names such as "wait" or "exitonfailcode".
func ParseHookOptions(names []string) (HookOptions, error) {
	var o HookOptions
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "":
		case "wait":
			o.Wait = true
		case "exitonfailcode":
			o.ExitOnFailCode = true
		case "delay":
			o.Delay = true
		case "notildereplacement":
			o.NoTildeReplacement = true
		case "ignorelauncherror":
			o.IgnoreLaunchError = true
		default:
			return HookOptions{}, fmt.Errorf("unknown download hook option %q", n)
		}
	}
	return o, nil
}

// ExecHook runs a program after every completed download. Args are
// expanded with Expand against the fields of the downloaded file.
type ExecHook struct {
	Args    []string
	Options HookOptions

	// Extensions limits the hook to these file extensions (see catalog.NewSet)
	Extensions map[string]bool

	// DelayDuration is the pause taken with Options.Delay (default 5s)
	DelayDuration time.Duration

	Logger logrus.FieldLogger
}

const (
	defaultHookDelay = 5 * time.Second
	hookPollInterval = 100 * time.Millisecond
)

// Validate checks the argument templates without running anything.
func (h *ExecHook) Validate() error {
	if len(h.Args) == 0 {
		return errors.New("download hook has no program")
	}
	for _, a := range h.Args {
		if err := ValidateTemplate(a); err != nil {
			return err
		}
	}
	return nil
}

// Run launches the hook for a downloaded file. keepalive is called while
// waiting for the program so the camera does not drop the session.
func (h *ExecHook) Run(ctx context.Context, filename string, fields Fields, keepalive func(context.Context) error) error {
	log := h.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "exec-hook")

	if len(h.Extensions) > 0 && !h.Extensions[catalog.Extension(filename)] {
		return nil
	}

	args, err := h.expandArgs(fields)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		log.WithField("file", filename).Debug("empty program name, skipping download hook")
		return nil
	}

	log.WithField("args", args).Info("launching download hook")
	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		if h.Options.IgnoreLaunchError {
			log.WithError(err).Debug("download hook failed to launch, ignoring")
			return nil
		}
		return fmt.Errorf("%w: %v: %w", ErrHookLaunch, args, err)
	}

	if h.Options.Wait {
		if err := h.wait(ctx, cmd, args, keepalive); err != nil {
			return err
		}
	} else {
		go cmd.Wait()
	}

	if h.Options.Delay {
		d := h.DelayDuration
		if d == 0 {
			d = defaultHookDelay
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *ExecHook) expandArgs(fields Fields) ([]string, error) {
	var args []string
	for _, tmpl := range h.Args {
		a, err := Expand(tmpl, fields)
		if err != nil {
			return nil, err
		}
		if a == "" {
			if len(args) == 0 {
				return nil, nil
			}
			continue
		}
		// The program name may contain '~'; arguments use it to spell a
		// leading '-' that the command line parser would otherwise consume.
		if len(args) > 0 && !h.Options.NoTildeReplacement {
			a = strings.ReplaceAll(a, "~", "-")
		}
		args = append(args, a)
	}
	return args, nil
}

func (h *ExecHook) wait(ctx context.Context, cmd *exec.Cmd, args []string, keepalive func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(hookPollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			var exitErr *exec.ExitError
			if err != nil && !errors.As(err, &exitErr) {
				return fmt.Errorf("failed to wait for download hook: %w", err)
			}
			if exitErr != nil && h.Options.ExitOnFailCode {
				return &HookExitError{Args: args, ExitCode: exitErr.ExitCode()}
			}
			return nil
		case <-ticker.C:
			if keepalive != nil {
				if err := keepalive(ctx); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
