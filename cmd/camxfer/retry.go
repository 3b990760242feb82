package main

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/superfly/camxfer/metrics"
	"github.com/superfly/camxfer/ptpip"
	"github.com/superfly/camxfer/realtime"
)

// RetryConfig controls how failed session attempts are repeated.
type RetryConfig struct {
	// Retries after the first attempt; negative retries forever
	Retries int

	// Delay between attempts
	Delay time.Duration

	// OnRetry is called before sleeping for the next attempt
	OnRetry func(err error, next time.Duration)

	Logger logrus.FieldLogger
}

// retryable reports whether a new session may fix err.
func retryable(err error) bool {
	if errors.Is(err, realtime.ErrReenter) {
		return true
	}
	return ptpip.KindOf(err).Retryable()
}

// Retry runs attempt until it succeeds, fails with an error another
// session cannot fix, or the retries are used up.
func Retry(ctx context.Context, cfg RetryConfig, attempt func(context.Context) error) error {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(cfg.Delay)
	if cfg.Retries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(cfg.Retries))
	}
	b = backoff.WithContext(b, ctx)

	var lastConnectErr string
	op := func() error {
		err := attempt(ctx)
		switch {
		case err == nil:
			metrics.RecordSessionAttempt("ok")
			return nil
		case ctx.Err() != nil:
			metrics.RecordSessionAttempt("interrupted")
			return backoff.Permanent(err)
		case !retryable(err):
			metrics.RecordSessionAttempt("failed")
			return backoff.Permanent(err)
		}
		metrics.RecordSessionAttempt(ptpip.KindOf(err).String())
		return err
	}

	notify := func(err error, next time.Duration) {
		// A camera that is switched off fails every attempt the same way
		if ptpip.KindOf(err) == ptpip.KindConnect {
			msg := err.Error()
			if msg == lastConnectErr && !isDebug(logger) {
				if cfg.OnRetry != nil {
					cfg.OnRetry(err, next)
				}
				return
			}
			lastConnectErr = msg
		} else {
			lastConnectErr = ""
		}
		logger.WithError(err).WithField("next_attempt", next).Warn("session failed, retrying")
		if cfg.OnRetry != nil {
			cfg.OnRetry(err, next)
		}
	}

	err := backoff.RetryNotify(op, b, notify)
	if err != nil && ctx.Err() != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ptpip.ErrInterrupted) {
		return errors.Join(ptpip.ErrInterrupted, err)
	}
	return err
}

// isDebug reports whether logger emits debug entries.
func isDebug(logger logrus.FieldLogger) bool {
	switch l := logger.(type) {
	case *logrus.Logger:
		return l.IsLevelEnabled(logrus.DebugLevel)
	case *logrus.Entry:
		return l.Logger.IsLevelEnabled(logrus.DebugLevel)
	}
	return false
}
