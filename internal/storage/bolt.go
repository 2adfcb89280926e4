// Package storage — bolt.go
//
// BoltDB-backed persistent storage for diskguardian.
//
// Schema (BoltDB bucket layout):
//
//	/path_stats
//	    key:   sha256(root_path)  [32 bytes hex-encoded = 64 chars]
//	    value: JSON-encoded PathStatsRecord
//
//	/ballast
//	    key:   mount path (raw bytes)
//	    value: JSON-encoded BallastPoolRecord
//
//	/decisions
//	    key:   UTC timestamp with fixed 9-digit nanoseconds + "_" + decision_id (zero-padded)  [sortable]
//	    value: JSON-encoded DecisionLedgerEntry
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Decision ledger entries older than RetentionDays are pruned once,
//     on startup; nothing prunes them while the daemon runs.
//   - Path stats and ballast records are never automatically pruned; they
//     track live-configured roots and mounts and are overwritten in place.
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The daemon logs a fatal event and refuses to start.
//     Recovery: restore from backup at /var/lib/diskguardian/db.bak.
//   - Disk full: bbolt.Update() returns an error. The daemon logs the error
//     and continues without persisting (in-memory state preserved); this
//     matters most under the exact pressure the daemon exists to relieve.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/diskguardian/diskguardian/internal/model"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/diskguardian/diskguardian.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default decision-ledger retention period.
	DefaultRetentionDays = 30

	// bucketPathStats is the BoltDB bucket name for VOI path statistics.
	bucketPathStats = "path_stats"

	// bucketBallast is the BoltDB bucket name for ballast pool inventories.
	bucketBallast = "ballast"

	// bucketDecisions is the BoltDB bucket name for the decision audit ledger.
	bucketDecisions = "decisions"

	// bucketMeta is the BoltDB bucket name for schema metadata.
	bucketMeta = "meta"
)

// PathStatsRecord is the persisted form of one VOI-tracked root's scan
// history. Stored as JSON in the path_stats bucket.
type PathStatsRecord struct {
	Path                string    `json:"path"`
	PathHash            string    `json:"path_hash"`
	ReclaimedBytesTotal uint64    `json:"reclaimed_bytes_total"`
	ScanCount           uint64    `json:"scan_count"`
	ItemsDeleted        uint64    `json:"items_deleted"`
	FalsePositiveCount  uint64    `json:"false_positive_count"`
	LastScanAt          time.Time `json:"last_scan_at"`
	EWMAReclaimPerScan  float64   `json:"ewma_reclaim_per_scan"`
	EWMAIOCostPerScan   float64   `json:"ewma_io_cost_per_scan"`
	CurrentForecast     float64   `json:"current_forecast"`
	LastPreScanForecast float64   `json:"last_pre_scan_forecast"`
	LastActualReclaim   float64   `json:"last_actual_reclaim"`
	AlphaUsed           float64   `json:"alpha_used"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// BallastPoolRecord is the persisted form of one mount's ballast inventory.
// Stored as JSON in the ballast bucket.
type BallastPoolRecord struct {
	Mount           string    `json:"mount"`
	FilesTotal      int       `json:"files_total"`
	FilesAvailable  int       `json:"files_available"`
	ReleasableBytes uint64    `json:"releasable_bytes"`
	LastReleaseAt   time.Time `json:"last_release_at"`
	CooldownUntil   time.Time `json:"cooldown_until"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DecisionLedgerEntry is a single audit log record for one evaluated
// candidate. Stored as JSON in the decisions bucket.
type DecisionLedgerEntry struct {
	DecisionID         uint64            `json:"decision_id"`
	TraceID            string            `json:"trace_id"`
	Timestamp          time.Time         `json:"timestamp"`
	Path               string            `json:"path"`
	SizeBytes          uint64            `json:"size_bytes"`
	Action             model.Action      `json:"action"`
	EffectiveAction    model.Action      `json:"effective_action"`
	PolicyMode         model.PolicyMode  `json:"policy_mode"`
	Posterior          float64           `json:"posterior"`
	ExpectedLossKeep   float64           `json:"expected_loss_keep"`
	ExpectedLossDelete float64           `json:"expected_loss_delete"`
	Calibration        float64           `json:"calibration"`
	Vetoed             bool              `json:"vetoed"`
	VetoReason         string            `json:"veto_reason"`
	GuardStatus        model.GuardStatus `json:"guard_status"`
	Summary            string            `json:"summary"`
	DecisionHash       string            `json:"decision_hash"`
	ParentHash         string            `json:"parent_hash"`
}

// DB wraps a BoltDB instance with typed accessors for diskguardian data.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
// Returns an error if the database is corrupt or schema is incompatible.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketPathStats, bucketBallast, bucketDecisions, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// checkSchemaVersion reads and validates the stored schema version.
func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, daemon requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Path stats operations ────────────────────────────────────────────────────

// pathKey computes the BoltDB key for a root path: sha256(path) hex-encoded.
func pathKey(path string) []byte {
	h := sha256.Sum256([]byte(path))
	key := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(key, h[:])
	return key
}

// PutPathStats writes or updates the persisted stats for one VOI root.
func (d *DB) PutPathStats(rec PathStatsRecord) error {
	rec.PathHash = string(pathKey(rec.Path))
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutPathStats marshal: %w", err)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPathStats))
		if err := b.Put([]byte(rec.PathHash), data); err != nil {
			return fmt.Errorf("PutPathStats bolt.Put: %w", err)
		}
		return nil
	})
}

// PutAllPathStats persists a full batch of path stats in one transaction,
// the form the scheduler's periodic checkpoint uses.
func (d *DB) PutAllPathStats(records []PathStatsRecord) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPathStats))
		now := time.Now().UTC()
		for _, rec := range records {
			rec.PathHash = string(pathKey(rec.Path))
			rec.UpdatedAt = now
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("PutAllPathStats marshal(%q): %w", rec.Path, err)
			}
			if err := b.Put([]byte(rec.PathHash), data); err != nil {
				return fmt.Errorf("PutAllPathStats bolt.Put(%q): %w", rec.Path, err)
			}
		}
		return nil
	})
}

// GetPathStats retrieves the persisted stats record for a root path.
// Returns (nil, nil) if no record exists for this path.
func (d *DB) GetPathStats(path string) (*PathStatsRecord, error) {
	key := pathKey(path)
	var rec PathStatsRecord
	found := false

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPathStats))
		data := b.Get(key)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("GetPathStats(%q): %w", path, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// ReadAllPathStats returns every persisted path stats record, for restoring
// the VOI scheduler on startup.
func (d *DB) ReadAllPathStats() ([]PathStatsRecord, error) {
	var records []PathStatsRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPathStats))
		return b.ForEach(func(_, v []byte) error {
			var rec PathStatsRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// ─── Ballast operations ───────────────────────────────────────────────────────

// PutBallastPool writes or updates the persisted inventory for one mount's
// ballast pool.
func (d *DB) PutBallastPool(rec BallastPoolRecord) error {
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutBallastPool marshal: %w", err)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBallast))
		if err := b.Put([]byte(rec.Mount), data); err != nil {
			return fmt.Errorf("PutBallastPool bolt.Put: %w", err)
		}
		return nil
	})
}

// ReadAllBallastPools returns every persisted ballast pool record, for
// restoring the ballast coordinator on startup.
func (d *DB) ReadAllBallastPools() ([]BallastPoolRecord, error) {
	var records []BallastPoolRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBallast))
		return b.ForEach(func(_, v []byte) error {
			var rec BallastPoolRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// ─── Decision ledger operations ───────────────────────────────────────────────

// decisionKey constructs a sortable BoltDB key for a decision ledger entry.
// Format: UTC RFC3339 with a fixed 9-digit fraction + "_" + decision_id
// (zero-padded to 20 digits). Every key has the same width up to the
// decision id, so lexicographic sort = chronological sort.
func decisionKey(t time.Time, decisionID uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), decisionID))
}

// AppendDecision writes a new decision ledger entry.
// Uses a single ACID write transaction.
func (d *DB) AppendDecision(entry DecisionLedgerEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("AppendDecision marshal: %w", err)
	}

	key := decisionKey(entry.Timestamp, entry.DecisionID)

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDecisions))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("AppendDecision bolt.Put: %w", err)
		}
		return nil
	})
}

// PruneOldDecisions deletes decision ledger entries older than
// retentionDays. Called once on startup. Returns the number of entries
// deleted.
func (d *DB) PruneOldDecisions() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := decisionKey(cutoff, 0)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDecisions))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldDecisions delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadDecisions returns all decision ledger entries in chronological order.
// For operational use (CLI inspection). Not called on the hot path.
func (d *DB) ReadDecisions() ([]DecisionLedgerEntry, error) {
	var entries []DecisionLedgerEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDecisions))
		return b.ForEach(func(_, v []byte) error {
			var entry DecisionLedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}
