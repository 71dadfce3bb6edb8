package models

import "time"

// StatsSide marks which end of the transfer a snapshot was taken from.
type StatsSide string

const (
	StatsSideSource StatsSide = "source"
	StatsSideTarget StatsSide = "target"
)

// StatsPhase marks whether a snapshot was taken before or after the transfer.
type StatsPhase string

const (
	StatsPhaseBefore StatsPhase = "before"
	StatsPhaseAfter  StatsPhase = "after"
)

// StatsSnapshot is a point-in-time summary of one database, captured before
// export (source side) and after import (target side). The counts are
// advisory: replication lag, capped collections and TTL expiry can all make
// the two sides legitimately diverge, so the orchestrator never fails a job
// on a mismatch. A snapshot that could not be taken is recorded with
// Unavailable set instead of failing the job.
type StatsSnapshot struct {
	Collections int64      `json:"collections"`
	Objects     int64      `json:"objects"`
	DataSize    int64      `json:"data_size"`
	StorageSize int64      `json:"storage_size"`
	Side        StatsSide  `json:"side"`
	Phase       StatsPhase `json:"phase"`
	TakenAt     time.Time  `json:"taken_at"`
	Unavailable bool       `json:"unavailable,omitempty"`
	Error       string     `json:"error,omitempty"`
}
