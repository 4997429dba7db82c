package safety

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRestartRequired means the app tree was replaced and the process must be
// restarted to run it.
var ErrRestartRequired = errors.New("restart required")

// Decision is the outcome of boot accounting.
type Decision struct {
	Rollback bool
	// Target is the backup to restore when Rollback is set.
	Target  string
	Crashes int
}

type Guard struct {
	path       string
	maxCrashes int
	backups    *Backups
	log        *zap.Logger
	now        func() time.Time

	mu sync.Mutex
}

func NewGuard(dataDir string, maxCrashes int, backups *Backups, log *zap.Logger) *Guard {
	return &Guard{
		path:       filepath.Join(dataDir, stateFileName),
		maxCrashes: maxCrashes,
		backups:    backups,
		log:        log,
		now:        time.Now,
	}
}

func (g *Guard) Backups() *Backups { return g.backups }

// update applies fn to the stored state and persists the result.
func (g *Guard) update(fn func(st *State)) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.load()
	if err != nil {
		return st, err
	}
	fn(&st)
	return st, saveState(g.path, st)
}

// State returns a snapshot of the persisted state.
func (g *Guard) State() (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.load()
}

// load reads the state file. A corrupt file is moved aside and accounting
// starts over from zero.
func (g *Guard) load() (State, error) {
	st, err := loadState(g.path)
	var corrupt *corruptStateError
	if !errors.As(err, &corrupt) {
		return st, err
	}
	aside, renameErr := setAside(g.path, g.now())
	if renameErr != nil {
		return State{}, errors.Join(err, renameErr)
	}
	g.log.Warn("Safety state was unreadable, starting over",
		zap.String("moved_to", aside),
		zap.Error(err),
	)
	return State{}, nil
}

// BeginBoot counts this boot as unhealthy until MarkHealthy or MarkCleanExit
// says otherwise, and decides whether the previous boots failed often enough
// to roll back.
func (g *Guard) BeginBoot(version string) (Decision, error) {
	st, err := g.update(func(st *State) {
		st.ConsecutiveCrashes++
		st.Boots++
		st.LastBoot = timePtr(g.now().UTC())
		st.Version = version
	})
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Crashes: st.ConsecutiveCrashes}
	log := g.log.With(zap.Int("consecutive_crashes", st.ConsecutiveCrashes), zap.Int("max_crashes", g.maxCrashes))
	if st.ConsecutiveCrashes <= g.maxCrashes {
		log.Info("Boot recorded", zap.String("version", version))
		return d, nil
	}

	target, err := g.rollbackTarget(st)
	if errors.Is(err, ErrNoBackup) {
		log.Warn("Crash limit exceeded but there is no backup to roll back to")
		return d, nil
	}
	if err != nil {
		return d, err
	}
	log.Warn("Crash limit exceeded, rolling back", zap.String("backup", target))
	d.Rollback = true
	d.Target = target
	return d, nil
}

// rollbackTarget prefers the snapshot taken before a pending update.
func (g *Guard) rollbackTarget(st State) (string, error) {
	if st.PendingUpdate != nil && st.PendingUpdate.Backup != "" {
		if b, err := g.backups.Get(st.PendingUpdate.Backup); err == nil {
			return b.Name, nil
		}
		g.log.Warn("Backup of the pending update is gone, using the newest one", zap.String("backup", st.PendingUpdate.Backup))
	}
	latest, err := g.backups.Latest()
	if err != nil {
		return "", err
	}
	return latest.Name, nil
}

// Check runs boot accounting and rolls back when needed. It returns
// ErrRestartRequired after a rollback.
func (g *Guard) Check(ctx context.Context, version string) (Decision, error) {
	d, err := g.BeginBoot(version)
	if err != nil || !d.Rollback {
		return d, err
	}
	if err := ctx.Err(); err != nil {
		return d, err
	}
	reason := fmt.Sprintf("%d consecutive boots without becoming healthy", d.Crashes-1)
	if err := g.Rollback(d.Target, reason); err != nil {
		return d, err
	}
	return d, ErrRestartRequired
}

// Rollback restores a backup and resets crash accounting.
func (g *Guard) Rollback(name, reason string) error {
	if err := g.backups.Restore(name); err != nil {
		return err
	}
	_, err := g.update(func(st *State) {
		st.ConsecutiveCrashes = 0
		st.PendingUpdate = nil
		st.LastRollback = &RollbackRecord{Backup: name, At: g.now().UTC(), Reason: reason}
	})
	if err != nil {
		return fmt.Errorf("record rollback: %w", err)
	}
	g.log.Warn("Rolled back", zap.String("backup", name), zap.String("reason", reason))
	return nil
}

// MarkHealthy confirms the running version, including any pending update.
func (g *Guard) MarkHealthy() error {
	var confirmed *PendingUpdate
	_, err := g.update(func(st *State) {
		st.ConsecutiveCrashes = 0
		st.LastHealthy = timePtr(g.now().UTC())
		confirmed = st.PendingUpdate
		st.PendingUpdate = nil
	})
	if err != nil {
		return err
	}
	if confirmed != nil {
		g.log.Info("Update confirmed healthy", zap.String("from_version", confirmed.FromVersion))
	} else {
		g.log.Info("Boot marked healthy")
	}
	return nil
}

// MarkHealthyAfter marks the boot healthy once d has passed and ready reports
// true. It returns early when ctx ends first.
func (g *Guard) MarkHealthyAfter(ctx context.Context, d time.Duration, ready func() bool) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	// a boot that never got ready keeps counting
	poll := time.NewTicker(time.Second)
	defer poll.Stop()
	for ready != nil && !ready() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
		}
	}
	return g.MarkHealthy()
}

// MarkCleanExit records a requested shutdown, which is not a crash.
func (g *Guard) MarkCleanExit() error {
	_, err := g.update(func(st *State) {
		st.ConsecutiveCrashes = 0
		st.LastCleanExit = timePtr(g.now().UTC())
	})
	return err
}

// RecordPendingUpdate marks an applied but not yet confirmed update.
func (g *Guard) RecordPendingUpdate(fromVersion, backup string) error {
	_, err := g.update(func(st *State) {
		st.PendingUpdate = &PendingUpdate{
			FromVersion: fromVersion,
			Backup:      backup,
			StartedAt:   g.now().UTC(),
		}
	})
	return err
}
