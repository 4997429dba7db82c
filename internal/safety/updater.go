package safety

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

var (
	ErrUpdateInProgress = errors.New("an update is waiting to be confirmed")
	ErrNoUpdateCommand  = errors.New("UPDATE_COMMAND is not set")
)

// Update is an applied update that still has to prove itself healthy.
type Update struct {
	FromVersion string        `json:"from_version"`
	Backup      string        `json:"backup"`
	Duration    time.Duration `json:"duration"`
}

const waitDelay = 5 * time.Second

type Updater struct {
	guard   *Guard
	command string
	dir     string
	log     *zap.Logger
}

func NewUpdater(guard *Guard, command, appDir string, log *zap.Logger) *Updater {
	return &Updater{guard: guard, command: command, dir: appDir, log: log}
}

func (u *Updater) Configured() bool { return u.command != "" }

// Apply snapshots the app tree and runs the update command in it. A failed
// command is undone immediately; a successful one is left pending until the
// next boot is marked healthy. The caller is expected to restart afterwards.
func (u *Updater) Apply(ctx context.Context, version string) (*Update, error) {
	if u.command == "" {
		return nil, ErrNoUpdateCommand
	}
	st, err := u.guard.State()
	if err != nil {
		return nil, err
	}
	if st.PendingUpdate != nil {
		return nil, fmt.Errorf("%w (started %s from %s)", ErrUpdateInProgress,
			st.PendingUpdate.StartedAt.Format(time.RFC3339), st.PendingUpdate.FromVersion)
	}

	backup, err := u.guard.Backups().Create(version)
	if err != nil {
		return nil, fmt.Errorf("backup before update: %w", err)
	}

	start := time.Now()
	if err := u.run(ctx); err != nil {
		u.log.Error("Update command failed, restoring backup", zap.String("backup", backup.Name), zap.Error(err))
		if restoreErr := u.guard.Backups().Restore(backup.Name); restoreErr != nil {
			return nil, errors.Join(fmt.Errorf("update: %w", err), fmt.Errorf("restore %s: %w", backup.Name, restoreErr))
		}
		return nil, fmt.Errorf("update: %w", err)
	}

	if err := u.guard.RecordPendingUpdate(version, backup.Name); err != nil {
		return nil, fmt.Errorf("record update: %w", err)
	}
	upd := &Update{FromVersion: version, Backup: backup.Name, Duration: time.Since(start)}
	u.log.Info("Update applied, waiting for a healthy boot",
		zap.String("from_version", version),
		zap.String("backup", backup.Name),
		zap.Duration("took", upd.Duration),
	)
	return upd, nil
}

func (u *Updater) run(ctx context.Context) error {
	out := &zapio.Writer{Log: u.log.Named("update"), Level: zapcore.InfoLevel}
	defer out.Close()

	cmd := exec.CommandContext(ctx, "sh", "-c", u.command)
	cmd.Dir = u.dir
	cmd.Stdout = out
	cmd.Stderr = out
	// the command may start children that hold the output pipe open, so the
	// whole process group is killed and Wait gives up on the pipe after a while
	killProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	u.log.Info("Running update command", zap.String("command", u.command), zap.String("dir", u.dir))
	return cmd.Run()
}
