package monitor

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	oerrors "github.com/openpower/optest/errors"
	"github.com/openpower/optest/pkg/console"
	"github.com/openpower/optest/pkg/logger"
)

// Session is an independent console owned by one torture worker
type Session interface {
	CommandRunner
	Close() error
}

// SessionFactory opens the console of worker i
type SessionFactory func(ctx context.Context, i int) (Session, error)

// TortureConfig describes a torture run
type TortureConfig struct {
	Workers  int
	Command  string
	Duration time.Duration
	// Timeout bounds each command
	Timeout time.Duration
	Log     logger.Interface
}

// TortureReport counts the commands each worker completed
type TortureReport struct {
	Completed []int
	Failed    []int
}

// Total returns the number of completed commands across workers
func (r TortureReport) Total() int {
	n := 0
	for _, c := range r.Completed {
		n += c
	}
	return n
}

// Torture runs cfg.Command in a loop on cfg.Workers independent sessions
// until cfg.Duration elapses. Command failures are counted; a transport
// failure or a session that cannot be opened ends the run.
func Torture(ctx context.Context, cfg TortureConfig, open SessionFactory) (TortureReport, error) {
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("torture")

	if cfg.Workers < 1 {
		return TortureReport{}, oerrors.Newf(oerrors.ErrInvalidInput, "torture needs at least one worker, got %d", cfg.Workers)
	}
	report := TortureReport{
		Completed: make([]int, cfg.Workers),
		Failed:    make([]int, cfg.Workers),
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		i := i
		eg.Go(func() error {
			sess, err := open(ctx, i)
			if err != nil {
				return err
			}
			defer sess.Close()

			for ctx.Err() == nil {
				_, err := sess.RunCommand(ctx, cfg.Command, cfg.Timeout)
				switch {
				case err == nil:
					report.Completed[i]++
					tortureCommandsTotal.WithLabelValues("ok").Inc()
				case ctx.Err() != nil:
					return nil
				case console.IsCommandFailed(err):
					report.Failed[i]++
					tortureCommandsTotal.WithLabelValues("failed").Inc()
				default:
					tortureCommandsTotal.WithLabelValues("error").Inc()
					log.Error("worker %d: %v", i, err)
					return err
				}
			}
			return nil
		})
	}

	err := eg.Wait()
	log.Info("%d workers completed %d commands", cfg.Workers, report.Total())
	return report, err
}
