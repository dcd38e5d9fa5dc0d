package integrations

import (
	"time"

	"github.com/sigelo/sigelo/backend/internal/contaazul"
)

// SyncStatus is the outcome recorded for the latest sync attempt.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusError   SyncStatus = "error"
)

// SyncHistory is the bookkeeping kept for one resource type.
type SyncHistory struct {
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
	LastSyncBy        string     `json:"last_sync_by,omitempty"`
	LastSyncCount     int        `json:"last_sync_count"`
	LastSyncStatus    SyncStatus `json:"last_sync_status,omitempty"`
	LastSyncError     *string    `json:"last_sync_error"`
	LastSyncAttemptAt *time.Time `json:"last_sync_attempt_at,omitempty"`
}

// Metadata is the sync document stored on a token. Each resource owns its own
// sub-record so histories never overwrite each other.
type Metadata struct {
	Customers SyncHistory `json:"customers"`
	Services  SyncHistory `json:"services"`
}

// History returns the sub-record for resource.
func (m Metadata) History(resource contaazul.ResourceType) SyncHistory {
	if resource == contaazul.ResourceServices {
		return m.Services
	}
	return m.Customers
}

// WithHistory returns a copy of m where only resource's sub-record is replaced.
func (m Metadata) WithHistory(resource contaazul.ResourceType, history SyncHistory) Metadata {
	merged := m
	if resource == contaazul.ResourceServices {
		merged.Services = history
	} else {
		merged.Customers = history
	}
	return merged
}

// Succeeded records a completed run. The last failed attempt timestamp is kept.
func (h SyncHistory) Succeeded(at time.Time, actorID string, count int) SyncHistory {
	stamp := at.UTC()
	return SyncHistory{
		LastSyncedAt:      &stamp,
		LastSyncBy:        actorID,
		LastSyncCount:     count,
		LastSyncStatus:    SyncStatusSuccess,
		LastSyncError:     nil,
		LastSyncAttemptAt: h.LastSyncAttemptAt,
	}
}

// Failed records a failed run, keeping the figures of the last successful one.
func (h SyncHistory) Failed(at time.Time, actorID string, cause error) SyncHistory {
	stamp := at.UTC()
	message := "erro desconhecido"
	if cause != nil {
		message = cause.Error()
	}
	failed := h
	failed.LastSyncBy = actorID
	failed.LastSyncStatus = SyncStatusError
	failed.LastSyncError = &message
	failed.LastSyncAttemptAt = &stamp
	return failed
}

// FlatKeys renders the metadata with the flat key names used by the dashboard:
// last_synced_at, last_sync_by, … for customers and last_services_synced_at, … for services.
func (m Metadata) FlatKeys() map[string]any {
	flat := make(map[string]any, 12)
	m.Customers.flatten(flat, "last_synced_at", "last_sync")
	m.Services.flatten(flat, "last_services_synced_at", "last_services_sync")
	return flat
}

func (h SyncHistory) flatten(into map[string]any, syncedAtKey, prefix string) {
	if h.LastSyncedAt != nil {
		into[syncedAtKey] = h.LastSyncedAt.UTC().Format(time.RFC3339)
	} else {
		into[syncedAtKey] = nil
	}
	if h.LastSyncBy != "" {
		into[prefix+"_by"] = h.LastSyncBy
	} else {
		into[prefix+"_by"] = nil
	}
	into[prefix+"_count"] = h.LastSyncCount
	if h.LastSyncStatus != "" {
		into[prefix+"_status"] = string(h.LastSyncStatus)
	} else {
		into[prefix+"_status"] = nil
	}
	if h.LastSyncError != nil {
		into[prefix+"_error"] = *h.LastSyncError
	} else {
		into[prefix+"_error"] = nil
	}
	if h.LastSyncAttemptAt != nil {
		into[prefix+"_attempt_at"] = h.LastSyncAttemptAt.UTC().Format(time.RFC3339)
	}
}
