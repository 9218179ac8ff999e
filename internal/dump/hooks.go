package dump

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/hongkongkiwi/dbsnap/internal/logging"
)

// HookRunner executes the shell hooks configured in config.HooksConfig
// around a dump or load (pre_dump/post_dump/on_dump_err,
// pre_load/post_load/on_load_err). Shared by both the Dump and Load
// Orchestrators.
type HookRunner struct {
	logger *logging.Logger
}

func NewHookRunner(logger *logging.Logger) *HookRunner {
	return &HookRunner{logger: logger}
}

// Run executes each command in hooks via "sh -c", in order, stopping at the
// first failure.
func (hr *HookRunner) Run(hooks []string, stage string) error {
	if len(hooks) == 0 {
		return nil
	}

	hr.logger.Infof("running %s hooks", stage)
	for _, command := range hooks {
		if command == "" {
			continue
		}

		hr.logger.Debugf("executing hook: %s", command)
		cmd := exec.Command("sh", "-c", command)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			hr.logger.Errorf("hook command failed: %s", command)
			return fmt.Errorf("hook command %q failed: %w", command, err)
		}
	}

	hr.logger.Infof("finished %s hooks successfully", stage)
	return nil
}
