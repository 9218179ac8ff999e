package dump

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hongkongkiwi/dbsnap/internal/config"
	"github.com/hongkongkiwi/dbsnap/internal/corefork"
	"github.com/hongkongkiwi/dbsnap/internal/logging"

	"github.com/oklog/run"
)

// RunWithSignalCancel drives fn under an oklog/run.Group actor pair, the
// same cooperative-shutdown shape the fork wizard used: one actor blocks on
// SIGINT/SIGTERM, the other runs fn. Whichever finishes first interrupts the
// other, so a signal cancels fn's context and fn's own rollback/partial-file
// cleanup runs before Run returns. If fn hadn't reported its own error by
// the time the signal won the race, the result is reported as a
// corefork.Cancelled error rather than the raw signal text.
func RunWithSignalCancel(ctx context.Context, logger *logging.Logger, opName string, fn func(context.Context) (*config.OutputResult, error)) (*config.OutputResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var g run.Group

	g.Add(func() error {
		sig, ok := <-sigCh
		if !ok {
			return nil
		}
		logger.Infof("received signal %v, cancelling %s", sig, opName)
		return fmt.Errorf("shutdown signal received: %v", sig)
	}, func(error) {
		signal.Stop(sigCh)
		close(sigCh)
	})

	var result *config.OutputResult
	var runErr error
	g.Add(func() error {
		result, runErr = fn(ctx)
		return runErr
	}, func(error) {
		cancel()
	})

	if groupErr := g.Run(); groupErr != nil && runErr == nil {
		return nil, corefork.NewCancelled(opName)
	}
	return result, runErr
}
