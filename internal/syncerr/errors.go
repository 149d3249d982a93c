// Package syncerr defines the error kinds shared by discovery, flagging, verification and offload.
package syncerr

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
)

var (
	// ErrNetworkUnavailable marks failures to reach the remote store at all.
	ErrNetworkUnavailable = errors.New("syncerr: network unavailable")
	// ErrWriteConflict marks a read-modify-write that kept losing its race after a retry.
	ErrWriteConflict = errors.New("syncerr: write conflict")
)

// CategoryQueryError records a failed or timed-out query for one category.
type CategoryQueryError struct {
	Category graph.Category
	Err      error
}

func (e *CategoryQueryError) Error() string {
	return fmt.Sprintf("category %s query failed: %v", e.Category, e.Err)
}

func (e *CategoryQueryError) Unwrap() error {
	return e.Err
}

// DanglingReference is a row that points at a row nobody can produce.
type DanglingReference struct {
	Table  string `json:"table"`
	ID     string `json:"id"`
	Holder string `json:"holder,omitempty"`
}

func (e DanglingReference) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("dangling reference %s/%s", e.Table, e.ID)
	}
	return fmt.Sprintf("dangling reference %s/%s from %s", e.Table, e.ID, e.Holder)
}

// PendingUploadsError blocks destructive operations while local writes are unsynced.
type PendingUploadsError struct {
	Count int64
	Bytes int64
}

func (e *PendingUploadsError) Error() string {
	return fmt.Sprintf("%d pending uploads (%d bytes) must be synced first", e.Count, e.Bytes)
}

// VerificationShortfall reports rows found locally but not confirmed remotely.
type VerificationShortfall struct {
	Category graph.Category
	Missing  int
}

func (e *VerificationShortfall) Error() string {
	return fmt.Sprintf("%s: %d not present remotely", e.Category, e.Missing)
}

// AttachmentNotUploaded reports an attachment blob absent from remote storage.
type AttachmentNotUploaded struct {
	AttachmentID string
}

func (e *AttachmentNotUploaded) Error() string {
	return fmt.Sprintf("attachment %s not uploaded", e.AttachmentID)
}
