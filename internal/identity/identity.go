// Package identity resolves a durable worker ID that survives process
// restarts: the ID lives in a file on disk, guarded by an exclusive OS
// file lock held for the life of the process, so a restarted worker
// reuses the same identity (and thus the same in-flight runs) instead
// of registering as a stranger every time it comes back up.
package identity

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const maxSiblingSlots = 100

// Identity is a resolved worker ID plus the lock guarding it. Close
// releases the lock; callers should hold it for the process lifetime.
type Identity struct {
	ID   uuid.UUID
	lock *flock.Flock
}

func (i *Identity) Close() error {
	return i.lock.Unlock()
}

// Resolve acquires a durable identity at path. In strict mode (the
// default) a second process racing for the same path fails fast: two
// workers sharing one identity file would otherwise both claim runs
// under the same worker_id and corrupt the in-flight count. In multi
// mode, it probes sibling slots path.1..path.100 so one host can run
// several independent worker processes.
func Resolve(path string, allowMulti bool) (*Identity, error) {
	if !allowMulti {
		return lockAndLoad(path)
	}

	var lastErr error
	for i := 1; i <= maxSiblingSlots; i++ {
		slot := fmt.Sprintf("%s.%d", path, i)
		id, err := lockAndLoad(slot)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("identity: no free slot among %d siblings of %s: %w", maxSiblingSlots, path, lastErr)
}

func lockAndLoad(path string) (*Identity, error) {
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("identity: lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("identity: %s already held by another process", path)
	}

	id, err := loadOrCreate(path)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return &Identity{ID: id, lock: lock}, nil
}

func loadOrCreate(path string) (uuid.UUID, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("identity: open %s: %w", path, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("identity: read %s: %w", path, err)
	}

	if len(raw) > 0 {
		id, err := uuid.ParseBytes(raw)
		if err == nil {
			return id, nil
		}
		// Fall through to regenerate a corrupt identity file rather than
		// fail the worker outright.
	}

	id := uuid.New()
	if _, err := f.WriteAt([]byte(id.String()), 0); err != nil {
		return uuid.UUID{}, fmt.Errorf("identity: write %s: %w", path, err)
	}
	return id, nil
}

var adjectives = []string{
	"amber", "brisk", "calm", "dapper", "eager", "fleet", "gentle", "hardy",
	"idle", "jovial", "keen", "lively", "mellow", "nimble", "orderly", "plucky",
	"quiet", "ready", "sturdy", "tidy", "upbeat", "vivid", "witty", "zesty",
}

var nouns = []string{
	"badger", "cobra", "dingo", "egret", "falcon", "gecko", "heron", "ibis",
	"jackal", "kestrel", "lemur", "marmot", "newt", "otter", "puffin", "quokka",
	"raven", "stoat", "tapir", "urial", "vole", "walrus", "yak", "zebra",
}

// DeriveDisplayName turns a worker ID into a stable, human-readable
// label of the form adjective-noun-NNNN, so operators can tell workers
// apart in logs and dashboards without memorizing UUIDs.
func DeriveDisplayName(id uuid.UUID) string {
	sum := sha256.Sum256(id[:])
	adj := adjectives[int(sum[0])%len(adjectives)]
	noun := nouns[int(sum[1])%len(nouns)]
	suffix := (uint16(sum[2])<<8 | uint16(sum[3])) % 10000
	return fmt.Sprintf("%s-%s-%04d", adj, noun, suffix)
}
