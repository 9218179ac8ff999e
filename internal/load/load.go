// Package load implements the Load Orchestrator: it opens an archive,
// applies the chosen cleanup strategy, replays
// schema/sequences outside any held transaction, then imports every
// data/<table>.csv member within a single destination transaction so
// foreign-key integrity is checked only at commit.
package load

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hongkongkiwi/dbsnap/internal/archive"
	"github.com/hongkongkiwi/dbsnap/internal/backend"
	"github.com/hongkongkiwi/dbsnap/internal/config"
	"github.com/hongkongkiwi/dbsnap/internal/corefork"
	"github.com/hongkongkiwi/dbsnap/internal/dump"
	"github.com/hongkongkiwi/dbsnap/internal/logging"
)

// Run executes req end to end against an existing archive.
func Run(ctx context.Context, req *config.LoadRequest) (*config.OutputResult, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return nil, corefork.NewInvalidRequest("load request failed validation", err.Error())
	}

	logger := logging.GetGlobalLogger()
	logger.SetJobContext("load")
	logger.LogAudit("load_started", map[string]interface{}{
		"database": req.ConnParams.Database,
		"engine":   string(req.Engine),
		"archive":  req.InputPath,
	})

	hooks := dump.NewHookRunner(logger)
	if err := hooks.Run(req.Hooks.PreLoad, "pre_load"); err != nil {
		return nil, fmt.Errorf("pre_load hooks failed: %w", err)
	}

	monitor := dump.NewMonitor(req.OutputFormat, req.Quiet, "").WithOperation("load")
	defer monitor.Close()

	result, runErr := dump.RunWithSignalCancel(ctx, logger, "load", func(ctx context.Context) (*config.OutputResult, error) {
		return runLoad(ctx, req, monitor, logger)
	})
	if runErr != nil {
		monitor.SetPhase(dump.PhaseFailed, runErr.Error())
		fields := map[string]interface{}{"error": runErr.Error()}
		if st := corefork.GetStackTrace(runErr); st != "" {
			fields["stack_trace"] = st
		}
		logger.LogAudit("load_failed", fields)
		if hookErr := hooks.Run(req.Hooks.OnLoadErr, "on_load_err"); hookErr != nil {
			return nil, fmt.Errorf("on_load_err hooks also failed: %w (original error: %v)", hookErr, runErr)
		}
		return nil, runErr
	}

	if err := hooks.Run(req.Hooks.PostLoad, "post_load"); err != nil {
		return nil, fmt.Errorf("post_load hooks failed: %w", err)
	}

	result.Success = true
	result.Duration = time.Since(start).String()
	monitor.SetPhase(dump.PhaseCompleted, "")
	logger.LogAudit("load_completed", map[string]interface{}{
		"duration": result.Duration,
	})
	return result, nil
}

func runLoad(ctx context.Context, req *config.LoadRequest, monitor *dump.Monitor, logger *logging.Logger) (*config.OutputResult, error) {
	monitor.SetPhase(dump.PhaseInitializing, "")

	r, err := archive.OpenReader(req.InputPath)
	if err != nil {
		return nil, corefork.NewInvalidRequest("failed to open archive", err.Error())
	}
	defer r.Close()

	if (req.Cleanup == config.CleanupRecreate || req.Cleanup == config.CleanupTruncate) && !r.HasSchema() {
		return nil, corefork.NewInvalidRequest(fmt.Sprintf("archive has no schema.sql; cleanup=%s needs one", req.Cleanup), req.InputPath)
	}

	tables := r.Tables()
	order := fmt.Sprintf("%d tables: %s", len(tables), strings.Join(tables, ", "))

	if req.DryRun {
		logger.Infof("dry run: cleanup=%s; would load %s", req.Cleanup, order)
		return &config.OutputResult{
			Format:  req.OutputFormat,
			Message: fmt.Sprintf("dry run: cleanup=%s would load %s into %s", req.Cleanup, order, req.ConnParams.Database),
		}, nil
	}

	b, err := backend.New(req.Engine)
	if err != nil {
		return nil, corefork.NewInvalidRequest("no backend for engine", string(req.Engine))
	}
	if err := b.Open(ctx, req.ConnParams); err != nil {
		return nil, err
	}
	defer b.Close()

	if err := applyCleanup(ctx, b, req); err != nil {
		return nil, err
	}

	if r.HasSchema() {
		monitor.SetPhase(dump.PhaseSchema, "")
		if err := replaySchema(ctx, b, r, req); err != nil {
			return nil, err
		}
	}

	if err := b.Begin(ctx); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = b.Rollback()
		}
	}()

	monitor.SetPhase(dump.PhaseData, "")
	monitor.InitializeTables(tables)

	tableCounts := map[string]int{}
	for _, t := range tables {
		n, err := importTable(ctx, b, r, monitor, t)
		if err != nil {
			monitor.FailTable(t, err)
			return nil, err
		}
		tableCounts[t] = n
	}

	monitor.SetPhase(dump.PhaseFinalization, "")
	if err := b.Commit(); err != nil {
		return nil, err
	}
	committed = true
	dump.LogErrorSummary(logger, b)

	return &config.OutputResult{
		Format:      req.OutputFormat,
		TableCounts: tableCounts,
		Message:     fmt.Sprintf("loaded %d tables from %s", len(tableCounts), req.InputPath),
	}, nil
}

func applyCleanup(ctx context.Context, b backend.Backend, req *config.LoadRequest) error {
	switch req.Cleanup {
	case config.CleanupRecreate:
		return b.RecreateDatabase(ctx, req.ConnParams.Database, req.ConnParams.Username)
	case config.CleanupTruncate:
		return b.TruncateAll(ctx)
	case config.CleanupSkip:
		return nil
	default:
		return nil
	}
}

// replaySchema runs schema.sql and sequences.sql outside any transaction
// held for data import. On PostgreSQL it saves and restores search_path
// around the replay: a replayed schema.sql containing its own `SET
// search_path` (as pg_dump -s output does) could otherwise leak a changed
// search_path into the data-import connection, a CVE-2018-1058-class risk.
func replaySchema(ctx context.Context, b backend.Backend, r *archive.Reader, req *config.LoadRequest) error {
	var savedSearchPath string
	if req.Engine == config.EnginePostgres {
		rs, err := b.Run(ctx, "SHOW search_path")
		if err == nil && len(rs.Rows) == 1 && len(rs.Rows[0]) == 1 {
			if s, ok := rs.Rows[0][0].(string); ok {
				savedSearchPath = s
			}
		}
	}

	schemaSQL, err := r.Schema()
	if err != nil {
		return err
	}
	if len(schemaSQL) > 0 {
		if err := b.RunMany(ctx, string(schemaSQL)); err != nil {
			return err
		}
	}

	if req.Engine == config.EnginePostgres && r.HasSequences() {
		sequencesSQL, err := r.Sequences()
		if err != nil {
			return err
		}
		if len(sequencesSQL) > 0 {
			if err := b.RunMany(ctx, string(sequencesSQL)); err != nil {
				return err
			}
		}
	}

	if savedSearchPath != "" {
		if _, err := b.Run(ctx, fmt.Sprintf("SET search_path = %s", savedSearchPath)); err != nil {
			return err
		}
	}
	return nil
}

func importTable(ctx context.Context, b backend.Backend, r *archive.Reader, monitor *dump.Monitor, table string) (int, error) {
	monitor.StartTable(table)

	rc, err := r.TableCSVReader(table)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	counter := &lineCountingReader{r: rc}
	if err := b.CopyFromCSV(ctx, table, counter); err != nil {
		return 0, err
	}

	rows := counter.lines - 1
	if rows < 0 {
		rows = 0
	}
	monitor.CompleteTable(table, int64(rows), counter.bytes)
	return rows, nil
}

type lineCountingReader struct {
	r     interface{ Read([]byte) (int, error) }
	bytes int64
	lines int
}

func (l *lineCountingReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.bytes += int64(n)
	for _, b := range p[:n] {
		if b == '\n' {
			l.lines++
		}
	}
	return n, err
}
