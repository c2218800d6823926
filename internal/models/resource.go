// Package models defines the domain types for offsync.
package models

import (
	"encoding/json"
	"time"
)

// Status is the download state of a cacheable resource.
type Status string

const (
	// StatusNotDownloadable is the neutral start value when aggregating a list.
	StatusNotDownloadable Status = "not_downloadable"
	StatusNotDownloaded   Status = "not_downloaded"
	StatusDownloading     Status = "downloading"
	StatusDownloaded      Status = "downloaded"
	StatusOutdated        Status = "outdated"
)

// Valid reports whether s is one of the persisted states.
func (s Status) Valid() bool {
	switch s {
	case StatusNotDownloaded, StatusDownloading, StatusDownloaded, StatusOutdated:
		return true
	}
	return false
}

// ResourceKey uniquely identifies a cacheable unit.
type ResourceKey struct {
	SiteID      string `json:"site_id"`
	Component   string `json:"component"`
	ComponentID string `json:"component_id"`
}

func (k ResourceKey) String() string {
	return k.SiteID + "/" + k.Component + "/" + k.ComponentID
}

// Resource is a cacheable unit together with the content type that knows how
// to materialize it.
type Resource struct {
	Key  ResourceKey `json:"key"`
	Type string      `json:"type"`
	Name string      `json:"name,omitempty"`
}

// DownloadStatus is the persisted record for one ResourceKey.
type DownloadStatus struct {
	Key                  ResourceKey `json:"key"`
	Status               Status      `json:"status"`
	Previous             Status      `json:"previous,omitempty"`
	Revision             string      `json:"revision,omitempty"`
	TimeModified         int64       `json:"time_modified"`
	SizeEstimate         int64       `json:"size_estimate"`
	DownloadTime         int64       `json:"download_time"`
	PreviousDownloadTime int64       `json:"previous_download_time"`
	Extra                string      `json:"extra,omitempty"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// DownloadResult is what a handler reports after a successful download.
type DownloadResult struct {
	Revision     string
	TimeModified int64
	Size         int64
}

// GroupKey identifies the offline buffer of one entity.
type GroupKey struct {
	SiteID   string `json:"site_id"`
	EntityID string `json:"entity_id"`
}

func (g GroupKey) String() string {
	return g.SiteID + "/" + g.EntityID
}

// OfflineAction is one buffered user action awaiting transmission.
type OfflineAction struct {
	ID        int64           `json:"id"`
	Group     GroupKey        `json:"group"`
	Payload   json.RawMessage `json:"payload"`
	Sequence  int64           `json:"sequence"`
	CreatedAt time.Time       `json:"created_at"`
}

// Warning is a non-fatal message produced by a sync.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Warning codes.
const (
	WarningAttemptFinished = "entity_finished"
	WarningDataDiscarded   = "data_discarded"
)
