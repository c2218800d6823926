package remote

import (
	"encoding/json"

	"github.com/starford/offsync/internal/jsonpatch"
	"github.com/starford/offsync/internal/models"
)

// ManifestFile is one downloadable file of a resource. SHA256, when set,
// is the hex digest the fetched bytes must match.
type ManifestFile struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
}

// Manifest describes what a resource is made of on the remote site.
// Revision is empty when the site cannot report a dependable version.
type Manifest struct {
	Revision     string            `json:"revision"`
	TimeModified int64             `json:"time_modified"`
	Files        []ManifestFile    `json:"files"`
	Children     []models.Resource `json:"children,omitempty"`
}

// Size sums the declared file sizes.
func (m *Manifest) Size() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}

// EntityState is the authoritative remote view of an entity with offline
// data, e.g. a quiz attempt.
type EntityState struct {
	ID       string          `json:"id"`
	Sequence int64           `json:"sequence"`
	Finished bool            `json:"finished"`
	State    json.RawMessage `json:"state,omitempty"`
}

// Submission transmits buffered actions. The remote applies a submission
// with a given idempotency key at most once.
type Submission struct {
	Sequence       int64             `json:"sequence"`
	IdempotencyKey string            `json:"idempotency_key"`
	Actions        []json.RawMessage `json:"actions"`
}

// SubmitResult is the remote answer to a Submission. Patches, when present,
// update the cached entity state.
type SubmitResult struct {
	Sequence int64                 `json:"sequence"`
	Patches  []jsonpatch.Operation `json:"patches,omitempty"`
}

type capabilities struct {
	Types []string `json:"types"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
