package dispatch

import (
	"fmt"
	"time"

	"github.com/hemsd/hemsd/core/model"
)

// keyBase is the deterministic prefix shared by every delivery of one logical
// (run, resource, effective time, kind) tuple. The dedup check queries the
// durable ledger for this prefix, so at-most-one delivery survives restarts.
func keyBase(runID, resourceID string, executionTime time.Time, kind model.DispatchKind) string {
	return fmt.Sprintf("run:%s|res:%s|t:%d|kind:%s", runID, resourceID, executionTime.UTC().Unix(), kind)
}

// ScheduledKey identifies a scheduled delivery.
func ScheduledKey(runID, resourceID string, executionTime time.Time) string {
	return keyBase(runID, resourceID, executionTime, model.DispatchScheduled)
}

// HeartbeatKey identifies one heartbeat delivery; bucket is the tick time
// truncated to the heartbeat interval so each interval re-delivers once.
func HeartbeatKey(runID, resourceID string, executionTime time.Time, bucket time.Time) string {
	return fmt.Sprintf("%s|hb:%d", keyBase(runID, resourceID, executionTime, model.DispatchHeartbeat), bucket.UTC().Unix())
}

// ForceKey identifies one forced delivery; the token is unique per force
// request so repeated forces are each delivered.
func ForceKey(runID, resourceID string, executionTime time.Time, token string) string {
	return fmt.Sprintf("%s|force:%s", keyBase(runID, resourceID, executionTime, model.DispatchForce), token)
}
