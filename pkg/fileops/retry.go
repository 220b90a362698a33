// Package fileops wraps single filesystem mutations with a bounded
// retry policy. Antivirus scanners and network filesystems make plain
// os calls flaky right after a file is written, so every mutation of
// the staging area goes through Retry.
package fileops

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Policy struct {
	// Wait is the pause between attempts.
	Wait time.Duration
	// MaxTime bounds the total elapsed time. Once exceeded, the last
	// error is returned instead of scheduling another attempt.
	MaxTime time.Duration
}

// Retry calls fn until it succeeds or the elapsed-time budget runs
// out. The first attempt always runs, so a zero MaxTime means exactly
// one try. The returned error wraps the last failure.
func (p Policy) Retry(op string, fn func() error) error {
	t0 := time.Now()
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if time.Since(t0)+p.Wait >= p.MaxTime {
			return errors.Wrapf(err, "%s: retry budget exhausted after %d attempt(s)", op, attempt)
		}
		log.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("elapsed", time.Since(t0)).
			Msg("Filesystem operation failed, retrying")
		time.Sleep(p.Wait)
	}
}
