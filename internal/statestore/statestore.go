// Package statestore implements the abstract StateStore collaborator named
// by spec.md §6: upsert(collection, key, doc) / getAll(collection) /
// delete(collection, key), backing two collections — "jobs" and
// "workers" — each document a flat record matching corestate's Job/Worker
// shape.
package statestore

import (
	"context"
	"encoding/json"

	"github.com/arashi-run/coordinator/internal/corestate"
)

const (
	CollectionJobs    = "jobs"
	CollectionWorkers = "workers"
)

// StateStore is the document-store contract the core writes through to on
// every mutation and loads from on startup.
type StateStore interface {
	Upsert(ctx context.Context, collection, key string, doc json.RawMessage) error
	GetAll(ctx context.Context, collection string) (map[string]json.RawMessage, error)
	Delete(ctx context.Context, collection, key string) error
}

// Adapter implements corestate.Persister over a StateStore, translating Job/
// Worker structs to/from the document shape and applying legacy
// normalization on load. It owns the write side; Load is called once at
// coordinator startup before the scheduler begins sweeping.
type Adapter struct {
	store StateStore
}

func NewAdapter(store StateStore) *Adapter {
	return &Adapter{store: store}
}

func (a *Adapter) UpsertJob(job *corestate.Job) {
	doc, err := json.Marshal(job)
	if err != nil {
		return
	}
	_ = a.store.Upsert(context.Background(), CollectionJobs, job.JobID, doc)
}

func (a *Adapter) UpsertWorker(w *corestate.Worker) {
	// CurrentJobIDs is written as a list, the shape normalizeWorker reads
	// back; the outer field shadows the embedded map of the same name.
	doc, err := json.Marshal(struct {
		*corestate.Worker
		CurrentJobIDs []string
	}{w, w.JobIDs()})
	if err != nil {
		return
	}
	_ = a.store.Upsert(context.Background(), CollectionWorkers, w.WorkerID, doc)
}

// Load reads every job and worker document, normalizes legacy shapes (see
// normalize.go), and inserts them into state. Called once at startup.
func (a *Adapter) Load(ctx context.Context, state *corestate.State) error {
	jobDocs, err := a.store.GetAll(ctx, CollectionJobs)
	if err != nil {
		return err
	}
	for _, raw := range jobDocs {
		job, err := normalizeJob(raw)
		if err != nil {
			continue
		}
		state.LoadJob(job)
	}

	workerDocs, err := a.store.GetAll(ctx, CollectionWorkers)
	if err != nil {
		return err
	}
	for _, raw := range workerDocs {
		w, err := normalizeWorker(raw)
		if err != nil {
			continue
		}
		state.LoadWorker(w)
	}
	return nil
}

var _ corestate.Persister = (*Adapter)(nil)
