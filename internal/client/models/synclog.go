package models

import (
	"encoding/json"
	"time"
)

type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogWarning LogStatus = "warning"
	LogError   LogStatus = "error"
)

// SyncLogEntry is one line of the user-visible sync journal.
type SyncLogEntry struct {
	ID      int64
	At      time.Time
	Status  LogStatus
	Message string
	Detail  json.RawMessage
}
