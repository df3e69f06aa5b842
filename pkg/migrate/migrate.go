package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
)

const (
	versionKey    = "system:version"
	inProgressKey = "system:migration_in_progress"
)

// Run checks the stored schema version against the running one and applies
// upgrade work when they differ. An in-progress marker is written first so
// a crash mid-migration is visible on the next start. Returns true when
// migration work ran.
func Run(ctx context.Context, kv store.KV, newVersion string) (bool, error) {
	stored := storedVersion(kv)
	if stored == newVersion {
		return false, nil
	}
	logger.Info("migration_needed", "from", stored, "to", newVersion)

	marker, _ := json.Marshal(map[string]string{
		"from":       stored,
		"to":         newVersion,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err := kv.Set(inProgressKey, marker); err != nil {
		return true, fmt.Errorf("write migration marker: %w", err)
	}

	if err := sync(ctx, kv, stored, newVersion); err != nil {
		logger.Error("migration_failed", "from", stored, "to", newVersion, "error", err)
		return true, err
	}

	if err := kv.Set(versionKey, []byte(newVersion)); err != nil {
		return true, fmt.Errorf("persist schema version: %w", err)
	}
	if err := kv.Delete(inProgressKey); err != nil {
		logger.Warn("migration_marker_delete_failed", "error", err)
	}
	logger.Info("migration_done", "version", newVersion)
	return true, nil
}

// sync holds the upgrade work between versions. Edit in place; every step
// must be idempotent because a crash can re-run it.
func sync(ctx context.Context, kv store.KV, from, to string) error {
	// Backfill: cached messages written before statuses were persisted carry
	// an empty status; treat them as delivered.
	pairs, err := kv.Scan("conv:")
	if err != nil {
		return err
	}
	fixed := 0
	for _, p := range pairs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var m models.Message
		if err := json.Unmarshal(p.Value, &m); err != nil {
			logger.Warn("migration_corrupt_record", "key", p.Key, "error", err)
			continue
		}
		if m.Status != "" {
			continue
		}
		m.Status = models.StatusDelivered
		b, _ := json.Marshal(&m)
		if err := kv.Set(p.Key, b); err != nil {
			return err
		}
		fixed++
	}
	if fixed > 0 {
		logger.Info("migration_status_backfilled", "messages", fixed)
	}
	return nil
}

func storedVersion(kv store.KV) string {
	v, err := kv.Get(versionKey)
	if err != nil {
		return ""
	}
	return string(v)
}
