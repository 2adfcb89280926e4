package storage

import (
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/diskguardian/diskguardian/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "diskguardian.db")
	db, err := Open(path, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutAndGetPathStatsRoundTrips(t *testing.T) {
	db := openTestDB(t)

	rec := PathStatsRecord{
		Path:                "/var/tmp/build-cache",
		ReclaimedBytesTotal: 1024,
		ScanCount:           3,
		EWMAReclaimPerScan:  512.5,
	}
	if err := db.PutPathStats(rec); err != nil {
		t.Fatalf("PutPathStats: %v", err)
	}

	got, err := db.GetPathStats("/var/tmp/build-cache")
	if err != nil {
		t.Fatalf("GetPathStats: %v", err)
	}
	if got == nil {
		t.Fatalf("expected record, got nil")
	}
	if got.ReclaimedBytesTotal != 1024 || got.ScanCount != 3 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.PathHash == "" {
		t.Fatalf("expected path hash to be populated")
	}
}

func TestGetPathStatsMissingReturnsNil(t *testing.T) {
	db := openTestDB(t)
	got, err := db.GetPathStats("/never/written")
	if err != nil {
		t.Fatalf("GetPathStats: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown path, got %+v", got)
	}
}

func TestPutAllPathStatsThenReadAll(t *testing.T) {
	db := openTestDB(t)
	records := []PathStatsRecord{
		{Path: "/a", ScanCount: 1},
		{Path: "/b", ScanCount: 2},
	}
	if err := db.PutAllPathStats(records); err != nil {
		t.Fatalf("PutAllPathStats: %v", err)
	}
	all, err := db.ReadAllPathStats()
	if err != nil {
		t.Fatalf("ReadAllPathStats: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records, got %d", len(all))
	}
}

func TestPutAndReadBallastPools(t *testing.T) {
	db := openTestDB(t)
	rec := BallastPoolRecord{
		Mount:          "/data",
		FilesTotal:     4,
		FilesAvailable: 2,
	}
	if err := db.PutBallastPool(rec); err != nil {
		t.Fatalf("PutBallastPool: %v", err)
	}

	all, err := db.ReadAllBallastPools()
	if err != nil {
		t.Fatalf("ReadAllBallastPools: %v", err)
	}
	if len(all) != 1 || all[0].Mount != "/data" {
		t.Fatalf("unexpected ballast records: %+v", all)
	}
}

func TestAppendAndReadDecisionsInOrder(t *testing.T) {
	db := openTestDB(t)
	base := time.Now().UTC().Truncate(time.Second)

	for i := uint64(1); i <= 3; i++ {
		entry := DecisionLedgerEntry{
			DecisionID: i,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			Path:       "/tmp/x",
			Action:     model.ActionDelete,
		}
		if err := db.AppendDecision(entry); err != nil {
			t.Fatalf("AppendDecision: %v", err)
		}
	}

	entries, err := db.ReadDecisions()
	if err != nil {
		t.Fatalf("ReadDecisions: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			t.Fatalf("expected chronological order, got %v before %v", entries[i].Timestamp, entries[i-1].Timestamp)
		}
	}
}

func TestPruneOldDecisionsRemovesOnlyStaleEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diskguardian.db")
	db, err := Open(path, 1) // 1 day retention
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	old := time.Now().UTC().AddDate(0, 0, -5)
	recent := time.Now().UTC()

	if err := db.AppendDecision(DecisionLedgerEntry{DecisionID: 1, Timestamp: old, Path: "/old"}); err != nil {
		t.Fatalf("AppendDecision old: %v", err)
	}
	if err := db.AppendDecision(DecisionLedgerEntry{DecisionID: 2, Timestamp: recent, Path: "/new"}); err != nil {
		t.Fatalf("AppendDecision recent: %v", err)
	}

	deleted, err := db.PruneOldDecisions()
	if err != nil {
		t.Fatalf("PruneOldDecisions: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted entry, got %d", deleted)
	}

	remaining, err := db.ReadDecisions()
	if err != nil {
		t.Fatalf("ReadDecisions: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Path != "/new" {
		t.Fatalf("unexpected remaining entries: %+v", remaining)
	}
}

func TestOpenRejectsMismatchedSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diskguardian.db")
	db, err := Open(path, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening the same file with a healthy schema version should succeed.
	db2, err := Open(path, 1)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	_ = db2.Close()

	// Overwrite the stored schema version; Open must now refuse the file.
	raw, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		t.Fatalf("raw bolt.Open: %v", err)
	}
	if err := raw.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Put([]byte("schema_version"), []byte("0"))
	}); err != nil {
		t.Fatalf("write schema_version: %v", err)
	}
	if err := raw.Close(); err != nil {
		t.Fatalf("raw Close: %v", err)
	}
	if db3, err := Open(path, 1); err == nil {
		_ = db3.Close()
		t.Fatalf("expected Open to reject a mismatched schema version")
	}
}
