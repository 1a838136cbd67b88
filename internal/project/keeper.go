package project

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"nightstack/internal/serial"
)

// Keeper owns one project for the lifetime of a run. Every read or write of
// the project happens on the keeper's queue.
type Keeper struct {
	p    *Project
	q    *serial.Queue
	lock *flock.Flock
	log  *slog.Logger
}

// Open takes the project's directory lock and starts its persistence queue.
func Open(p *Project, logger *slog.Logger) (*Keeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lock := flock.New(filepath.Join(p.Dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock project: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}
	return &Keeper{
		p:    p,
		q:    serial.New("persist", logger),
		lock: lock,
		log:  logger.With("project", p.ID),
	}, nil
}

// Dir returns the project directory. It never changes.
func (k *Keeper) Dir() string { return k.p.Dir }

// ID returns the project ID. It never changes.
func (k *Keeper) ID() string { return k.p.ID }

// Update applies fn to the project on the persistence queue.
func (k *Keeper) Update(fn func(p *Project)) {
	k.q.Submit(func() { fn(k.p) })
}

// Save writes the record. onDone may be nil.
func (k *Keeper) Save(onDone func(error)) {
	k.q.Submit(func() {
		err := k.p.Save()
		if err != nil {
			k.log.Error("project save failed", "error", err)
		}
		if onDone != nil {
			onDone(err)
		}
	})
}

// Complete marks the project done, saves it and then writes the checkpoint.
// If the record cannot be written the in-memory unprocessed list is restored.
func (k *Keeper) Complete(onDone func(error)) {
	k.q.Submit(func() {
		err := k.complete()
		if err != nil {
			k.log.Error("project completion failed", "error", err)
		}
		if onDone != nil {
			onDone(err)
		}
	})
}

func (k *Keeper) complete() error {
	unprocessed := append([]string(nil), k.p.Unprocessed...)
	k.p.MarkDone()
	if err := k.p.Save(); err != nil {
		k.p.Unprocessed = unprocessed
		k.p.ProcessingComplete = false
		return err
	}
	if err := k.p.WriteCheckpoint(); err != nil {
		k.p.Unprocessed = unprocessed
		k.p.ProcessingComplete = false
		if saveErr := k.p.Save(); saveErr != nil {
			k.log.Warn("could not restore unprocessed list on disk", "error", saveErr)
		}
		return err
	}
	// retained frames are no longer referenced once the checkpoint exists
	if err := os.RemoveAll(k.p.FramesPath()); err != nil {
		k.log.Warn("could not remove retained frames", "error", err)
	}
	return nil
}

// Snapshot returns a copy of the project taken on the persistence queue.
func (k *Keeper) Snapshot(ctx context.Context) (*Project, error) {
	var out *Project
	err := serial.Do(ctx, k.q, func() error {
		out = k.p.Clone()
		return nil
	})
	return out, err
}

// Close drains pending persistence work and releases the directory lock.
func (k *Keeper) Close() error {
	k.q.Close()
	return k.lock.Unlock()
}
