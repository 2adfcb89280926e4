package orchestrator

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/diskguardian/diskguardian/internal/model"
	"github.com/diskguardian/diskguardian/internal/storage"
)

// LogEventKind discriminates the LogEvent union the monitor loop and
// executor worker send to the logger worker.
type LogEventKind int

const (
	// LogDecision carries one evaluated candidate's decision record, bound
	// for the BoltDB decision ledger.
	LogDecision LogEventKind = iota
	// LogTransition carries a pressure-level transition for one mount.
	LogTransition
	// LogEmergency carries a critical-pressure emergency notification.
	LogEmergency
)

// LogEvent is the union type flowing over the bounded orchestrator->logger
// queue. The core never blocks on this queue: a full queue drops the event
// and increments a dropped-event counter rather than stalling the tick or a
// worker.
type LogEvent struct {
	Kind LogEventKind

	// LogDecision fields.
	Decision model.DecisionRecord

	// LogTransition fields.
	Mount string
	From  model.PressureLevel
	To    model.PressureLevel

	// LogEmergency fields.
	Message string
}

// sendLogEvent attempts a non-blocking send on logCh, incrementing dropped
// on overflow. This is the only way any component may write to the logger
// queue, so the drop-counting behavior is centralized in one place.
func sendLogEvent(logCh chan<- LogEvent, ev LogEvent, dropped *atomic.Uint64) {
	select {
	case logCh <- ev:
	default:
		dropped.Add(1)
	}
}

// RunLoggerWorker drains logCh until it is closed or ctx is cancelled,
// persisting decision records to the BoltDB audit ledger and logging
// transitions/emergencies through the structured logger. Downstream log
// shippers consume the same decision stream from the ledger; this worker
// only owns the in-process persistence step, not any external export.
func RunLoggerWorker(ctx context.Context, logCh <-chan LogEvent, db *storage.DB, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-logCh:
			if !ok {
				return
			}
			handleLogEvent(ev, db, logger)
		}
	}
}

func handleLogEvent(ev LogEvent, db *storage.DB, logger *zap.Logger) {
	switch ev.Kind {
	case LogDecision:
		rec := ev.Decision
		entry := storage.DecisionLedgerEntry{
			DecisionID:         rec.DecisionID,
			TraceID:            rec.TraceID,
			Timestamp:          rec.Timestamp,
			Path:               rec.Path,
			SizeBytes:          rec.SizeBytes,
			Action:             rec.Action,
			EffectiveAction:    rec.EffectiveAction,
			PolicyMode:         rec.PolicyMode,
			Posterior:          rec.Posterior,
			ExpectedLossKeep:   rec.ExpectedLossKeep,
			ExpectedLossDelete: rec.ExpectedLossDelete,
			Calibration:        rec.Calibration,
			Vetoed:             rec.Vetoed,
			VetoReason:         rec.VetoReason,
			GuardStatus:        rec.GuardStatus,
			Summary:            rec.Summary,
			DecisionHash:       rec.DecisionHash,
			ParentHash:         rec.ParentHash,
		}
		if db != nil {
			if err := db.AppendDecision(entry); err != nil {
				logger.Warn("decision ledger append failed", zap.String("path", rec.Path), zap.Error(err))
			}
		}
	case LogTransition:
		logger.Debug("logger worker observed pressure transition",
			zap.String("mount", ev.Mount), zap.String("from", ev.From.String()), zap.String("to", ev.To.String()))
	case LogEmergency:
		logger.Warn("logger worker observed emergency event", zap.String("mount", ev.Mount), zap.String("message", ev.Message))
	}
}
