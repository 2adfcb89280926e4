// warmstart.go converts between the VOI scheduler's in-memory model.PathStats
// and the BoltDB-persisted storage.PathStatsRecord, so a restart resumes
// scan-yield history instead of relearning it from a cold scheduler.
package main

import (
	"github.com/diskguardian/diskguardian/internal/model"
	"github.com/diskguardian/diskguardian/internal/storage"
)

func toPathStatsRecord(s model.PathStats) storage.PathStatsRecord {
	return storage.PathStatsRecord{
		Path:                s.Path,
		ReclaimedBytesTotal: s.ReclaimedBytesTotal,
		ScanCount:           s.ScanCount,
		ItemsDeleted:        s.ItemsDeleted,
		FalsePositiveCount:  s.FalsePositiveCount,
		LastScanAt:          s.LastScanAt,
		EWMAReclaimPerScan:  s.EWMAReclaimPerScan,
		EWMAIOCostPerScan:   s.EWMAIOCostPerScan,
		CurrentForecast:     s.CurrentForecast,
		LastPreScanForecast: s.LastPreScanForecast,
		LastActualReclaim:   s.LastActualReclaim,
		AlphaUsed:           s.AlphaUsed,
	}
}

func fromPathStatsRecord(r storage.PathStatsRecord) model.PathStats {
	return model.PathStats{
		Path:                r.Path,
		ReclaimedBytesTotal: r.ReclaimedBytesTotal,
		ScanCount:           r.ScanCount,
		ItemsDeleted:        r.ItemsDeleted,
		FalsePositiveCount:  r.FalsePositiveCount,
		LastScanAt:          r.LastScanAt,
		EWMAReclaimPerScan:  r.EWMAReclaimPerScan,
		EWMAIOCostPerScan:   r.EWMAIOCostPerScan,
		CurrentForecast:     r.CurrentForecast,
		LastPreScanForecast: r.LastPreScanForecast,
		LastActualReclaim:   r.LastActualReclaim,
		AlphaUsed:           r.AlphaUsed,
	}
}
