package stores

import (
	"time"
)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Statuses considered active for crash recovery queries. Kept in sync with
// the engine state machine's non-terminal states.
var activeStatuses = []string{
	"pending",
	"validating",
	"awaiting_approval",
	"approved",
	"executing",
	"rolling_back",
}
