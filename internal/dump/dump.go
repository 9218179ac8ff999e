// Package dump implements the Dump Orchestrator: it drives a single source
// transaction through schema capture, relation resolution, and CSV export,
// writing an archive in the fixed member order.
package dump

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hongkongkiwi/dbsnap/internal/archive"
	"github.com/hongkongkiwi/dbsnap/internal/backend"
	"github.com/hongkongkiwi/dbsnap/internal/config"
	"github.com/hongkongkiwi/dbsnap/internal/corefork"
	"github.com/hongkongkiwi/dbsnap/internal/logging"
	"github.com/hongkongkiwi/dbsnap/internal/resolver"
)

// Run executes req end to end: validate, open+begin, optional schema
// capture, optional data export, commit, close. Any failure rolls back the
// source transaction and removes the partial archive file.
func Run(ctx context.Context, req *config.DumpRequest) (*config.OutputResult, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return nil, corefork.NewInvalidRequest("dump request failed validation", err.Error())
	}

	logger := logging.GetGlobalLogger()
	logger.SetJobContext("dump")
	logger.LogAudit("dump_started", map[string]interface{}{
		"database": req.ConnParams.Database,
		"engine":   string(req.Engine),
	})

	hooks := NewHookRunner(logger)
	if err := hooks.Run(req.Hooks.PreDump, "pre_dump"); err != nil {
		return nil, fmt.Errorf("pre_dump hooks failed: %w", err)
	}

	monitor := NewMonitor(req.OutputFormat, req.Quiet, "").WithOperation("dump")
	defer monitor.Close()

	result, runErr := RunWithSignalCancel(ctx, logger, "dump", func(ctx context.Context) (*config.OutputResult, error) {
		return runDump(ctx, req, monitor, logger)
	})
	if runErr != nil {
		monitor.SetPhase(PhaseFailed, runErr.Error())
		fields := map[string]interface{}{"error": runErr.Error()}
		if st := corefork.GetStackTrace(runErr); st != "" {
			fields["stack_trace"] = st
		}
		logger.LogAudit("dump_failed", fields)
		if hookErr := hooks.Run(req.Hooks.OnDumpErr, "on_dump_err"); hookErr != nil {
			return nil, fmt.Errorf("on_dump_err hooks also failed: %w (original error: %v)", hookErr, runErr)
		}
		return nil, runErr
	}

	if err := hooks.Run(req.Hooks.PostDump, "post_dump"); err != nil {
		return nil, fmt.Errorf("post_dump hooks failed: %w", err)
	}

	result.Success = true
	result.Duration = time.Since(start).String()
	monitor.SetPhase(PhaseCompleted, "")
	logger.LogAudit("dump_completed", map[string]interface{}{
		"archive":  result.ArchivePath,
		"duration": result.Duration,
	})
	return result, nil
}

func runDump(ctx context.Context, req *config.DumpRequest, monitor *Monitor, logger *logging.Logger) (*config.OutputResult, error) {
	monitor.SetPhase(PhaseInitializing, "")

	b, err := backend.New(req.Engine)
	if err != nil {
		return nil, corefork.NewInvalidRequest("no backend for engine", string(req.Engine))
	}
	if err := b.Open(ctx, req.ConnParams); err != nil {
		return nil, err
	}
	defer b.Close()

	if err := b.Begin(ctx); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = b.Rollback()
		}
	}()

	res := resolver.New(b)
	expanded := map[string]string{}
	if req.IncludeData {
		var err error
		expandResult, err := res.Expand(ctx, req.FullTables, req.PartialTables)
		if err != nil {
			return nil, err
		}
		expanded = expandResult.Expanded
		for _, w := range expandResult.Warnings {
			logger.Warn(w)
		}
	}

	if req.DryRun {
		order := resolver.EmissionOrder(req.FullTables, expanded)
		logger.Infof("dry run: would export %d tables: %s", len(order), strings.Join(order, ", "))
		return &config.OutputResult{
			Format:      req.OutputFormat,
			Message:     fmt.Sprintf("dry run: %d tables would be exported to %s", len(order), req.OutputPath),
			TableCounts: map[string]int{},
		}, nil
	}

	if err := req.ProcessTemplates(); err != nil {
		return nil, corefork.NewInvalidRequest("failed to process output path template", err.Error())
	}

	w, err := archive.NewWriter(req.OutputPath, req.Compression)
	if err != nil {
		return nil, corefork.NewSubprocessError("archive", "", err)
	}
	archiveOK := false
	defer func() {
		if !archiveOK {
			_ = os.Remove(req.OutputPath)
		}
	}()

	var totalBytes int64
	tableCounts := map[string]int{}

	if req.IncludeSchema {
		monitor.SetPhase(PhaseSchema, "")
		schemaSQL, err := b.DumpSchema(ctx)
		if err != nil {
			return nil, err
		}
		if err := w.WriteSchema(schemaSQL); err != nil {
			return nil, err
		}
		totalBytes += int64(len(schemaSQL))

		if req.Engine == config.EnginePostgres {
			sequencesSQL, err := b.DumpSequences(ctx)
			if err != nil {
				return nil, err
			}
			if err := w.WriteSequences(sequencesSQL); err != nil {
				return nil, err
			}
			totalBytes += int64(len(sequencesSQL))
		}
	}

	if req.IncludeData {
		monitor.SetPhase(PhaseData, "")
		order := resolver.EmissionOrder(req.FullTables, expanded)
		monitor.InitializeTables(order)

		for _, t := range req.FullTables {
			n, err := exportTable(ctx, b, w, monitor, t, fmt.Sprintf("SELECT * FROM %s", t))
			if err != nil {
				monitor.FailTable(t, err)
				return nil, err
			}
			tableCounts[t] = n
		}
		for _, t := range resolver.SortedTableNames(keysOf(expanded)) {
			n, err := exportTable(ctx, b, w, monitor, t, expanded[t])
			if err != nil {
				monitor.FailTable(t, err)
				return nil, err
			}
			tableCounts[t] = n
		}
	}

	monitor.SetPhase(PhaseFinalization, "")
	if err := w.Close(); err != nil {
		return nil, err
	}
	archiveOK = true

	if err := b.Commit(); err != nil {
		return nil, err
	}
	committed = true
	LogErrorSummary(logger, b)

	info, _ := os.Stat(req.OutputPath)
	var sizeBytes int64
	if info != nil {
		sizeBytes = info.Size()
	}

	return &config.OutputResult{
		Format:       req.OutputFormat,
		ArchivePath:  req.OutputPath,
		Bytes:        sizeBytes,
		TableCounts:  tableCounts,
		Message:      fmt.Sprintf("dumped %d tables to %s", len(tableCounts), req.OutputPath),
	}, nil
}

// LogErrorSummary logs how many retryable errors, by type, the backend
// absorbed before this run ultimately succeeded. Only backends that track
// retryable errors (currently PostgreSQL) implement the summary method.
func LogErrorSummary(logger *logging.Logger, b backend.Backend) {
	summarizer, ok := b.(interface{ ErrorSummary() map[corefork.ErrorType]int })
	if !ok {
		return
	}
	summary := summarizer.ErrorSummary()
	if len(summary) == 0 {
		return
	}
	logger.WithField("error_summary", summary).Info("run completed after absorbing retryable errors")
}

func keysOf(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// exportTable streams one table's CSV into the archive and returns the row
// count written (the header line doesn't count as a row).
func exportTable(ctx context.Context, b backend.Backend, w *archive.Writer, monitor *Monitor, table, query string) (int, error) {
	monitor.StartTable(table)

	cw, err := w.TableCSVWriter(table)
	if err != nil {
		return 0, err
	}
	counter := &lineCountingWriter{w: cw}
	if err := b.CopyToCSV(ctx, query, counter); err != nil {
		return 0, err
	}

	rows := counter.lines - 1 // subtract the header row
	if rows < 0 {
		rows = 0
	}
	monitor.CompleteTable(table, int64(rows), counter.bytes)
	return rows, nil
}

// lineCountingWriter counts bytes and newlines as CSV rows stream through it,
// giving the progress monitor a row count without the backend needing to
// return one explicitly.
type lineCountingWriter struct {
	w     io.Writer
	bytes int64
	lines int
}

func (l *lineCountingWriter) Write(p []byte) (int, error) {
	l.bytes += int64(len(p))
	l.lines += bytes.Count(p, []byte{'\n'})
	return l.w.Write(p)
}
