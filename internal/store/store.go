// Package store provides durable persistence for task records.
// The orchestration core only requires key-value semantics: any backend
// that can upsert, fetch, enumerate, and delete tasks by ID will do.
package store

import (
	"errors"
	"io"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrStorage wraps failures of the backing medium. Callers can match it
// with errors.Is regardless of which backend produced the failure.
var ErrStorage = errors.New("storage error")

// Store defines the persistence contract used by the task manager.
// Writes are synchronous: when Put returns nil the record is durable,
// which is what makes queue rebuilding after a restart trustworthy.
type Store interface {
	io.Closer

	// Put upserts a task, overwriting any record with the same ID.
	Put(t *models.Task) error
	// Get returns the task with the given ID, or nil if absent.
	// Absence is not an error.
	Get(id string) (*models.Task, error)
	// List returns a snapshot of all tasks in unspecified order.
	List() ([]*models.Task, error)
	// Delete removes a task. Deleting an absent ID is a no-op.
	Delete(id string) error
}
