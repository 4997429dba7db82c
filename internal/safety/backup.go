package safety

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	manifestName = "manifest.json"
	tmpSuffix    = ".tmp"
	nameLayout   = "20060102-150405"
)

var (
	ErrNoBackup       = errors.New("no backup available")
	ErrInvalidBackup  = errors.New("invalid backup name")
	unsafeVersionChar = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// Backup describes one snapshot directory under the backup root.
type Backup struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Files     int       `json:"files"`
	Bytes     int64     `json:"bytes"`

	path string
}

type manifest struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Files     int       `json:"files"`
	Bytes     int64     `json:"bytes"`
}

type Backups struct {
	appDir    string
	dir       string
	dataDir   string
	exclude   []string
	retention int
	log       *zap.Logger
	now       func() time.Time
}

// NewBackups snapshots appDir into dir. Top-level entries named in exclude are
// never copied, restored over or removed, and neither are dir and dataDir when
// they live inside appDir.
func NewBackups(appDir, dir, dataDir string, exclude []string, retention int, log *zap.Logger) (*Backups, error) {
	appAbs, err := filepath.Abs(appDir)
	if err != nil {
		return nil, fmt.Errorf("app dir: %w", err)
	}
	dirAbs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("backup dir: %w", err)
	}
	if appAbs == dirAbs {
		return nil, errors.New("backup dir must differ from the app dir")
	}
	var dataAbs string
	if dataDir != "" {
		if dataAbs, err = filepath.Abs(dataDir); err != nil {
			return nil, fmt.Errorf("data dir: %w", err)
		}
		if dataAbs == appAbs {
			return nil, errors.New("data dir must differ from the app dir")
		}
	}
	return &Backups{
		appDir:    appAbs,
		dir:       dirAbs,
		dataDir:   dataAbs,
		exclude:   exclude,
		retention: retention,
		log:       log,
		now:       time.Now,
	}, nil
}

func (b *Backups) Dir() string { return b.dir }

// Create copies the app tree into a new backup and prunes old ones.
func (b *Backups) Create(version string) (Backup, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return Backup{}, fmt.Errorf("create backup dir: %w", err)
	}

	created := b.now().UTC()
	name := b.freeName(created, version)
	final := filepath.Join(b.dir, name)
	tmp := final + tmpSuffix
	if err := os.RemoveAll(tmp); err != nil {
		return Backup{}, err
	}

	files, size, err := b.copyTree(b.appDir, tmp)
	if err != nil {
		os.RemoveAll(tmp)
		return Backup{}, fmt.Errorf("copy %s: %w", b.appDir, err)
	}

	m := manifest{Version: version, CreatedAt: created, Files: files, Bytes: size}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		os.RemoveAll(tmp)
		return Backup{}, err
	}
	if err := os.WriteFile(filepath.Join(tmp, manifestName), data, 0o644); err != nil {
		os.RemoveAll(tmp)
		return Backup{}, fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.RemoveAll(tmp)
		return Backup{}, fmt.Errorf("finalize backup: %w", err)
	}

	backup := Backup{Name: name, Version: version, CreatedAt: created, Files: files, Bytes: size, path: final}
	b.log.Info("Backup created",
		zap.String("name", name),
		zap.String("version", version),
		zap.Int("files", files),
		zap.Int64("bytes", size),
	)

	if _, err := b.Prune(b.retention); err != nil {
		b.log.Warn("Pruning backups failed", zap.Error(err))
	}
	return backup, nil
}

func (b *Backups) freeName(t time.Time, version string) string {
	v := unsafeVersionChar.ReplaceAllString(version, "_")
	if v == "" {
		v = "unknown"
	}
	base := t.Format(nameLayout) + "-" + v
	name := base
	for n := 2; ; n++ {
		if _, err := os.Lstat(filepath.Join(b.dir, name)); errors.Is(err, fs.ErrNotExist) {
			return name
		}
		name = fmt.Sprintf("%s-%d", base, n)
	}
}

// List returns complete backups, newest first.
func (b *Backups) List() ([]Backup, error) {
	entries, err := os.ReadDir(b.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	var out []Backup
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		backup, err := b.read(e.Name())
		if err != nil {
			b.log.Debug("Skipping directory without a readable manifest", zap.String("name", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, backup)
	}
	slices.SortFunc(out, func(x, y Backup) int {
		if c := y.CreatedAt.Compare(x.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(y.Name, x.Name)
	})
	return out, nil
}

func (b *Backups) Latest() (Backup, error) {
	all, err := b.List()
	if err != nil {
		return Backup{}, err
	}
	if len(all) == 0 {
		return Backup{}, ErrNoBackup
	}
	return all[0], nil
}

func (b *Backups) Get(name string) (Backup, error) {
	if !validName(name) {
		return Backup{}, fmt.Errorf("%w: %q", ErrInvalidBackup, name)
	}
	backup, err := b.read(name)
	if errors.Is(err, fs.ErrNotExist) {
		return Backup{}, fmt.Errorf("backup %s: %w", name, ErrNoBackup)
	}
	return backup, err
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) &&
		!strings.HasSuffix(name, tmpSuffix)
}

func (b *Backups) read(name string) (Backup, error) {
	path := filepath.Join(b.dir, name)
	data, err := os.ReadFile(filepath.Join(path, manifestName))
	if err != nil {
		return Backup{}, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Backup{}, fmt.Errorf("manifest of %s: %w", name, err)
	}
	return Backup{
		Name:      name,
		Version:   m.Version,
		CreatedAt: m.CreatedAt,
		Files:     m.Files,
		Bytes:     m.Bytes,
		path:      path,
	}, nil
}

// Restore makes the app tree match the backup: files are copied back and
// anything the backup does not contain is removed. Excluded entries are left
// alone.
func (b *Backups) Restore(name string) error {
	backup, err := b.Get(name)
	if err != nil {
		return err
	}

	keep := map[string]struct{}{}
	var dirs []string
	err = filepath.WalkDir(backup.path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(backup.path, path)
		if err != nil || rel == "." {
			return err
		}
		if rel == manifestName {
			return nil
		}
		keep[rel] = struct{}{}
		if d.IsDir() {
			dirs = append(dirs, rel)
		}
		return b.restoreEntry(path, filepath.Join(b.appDir, rel), d)
	})
	if err != nil {
		return fmt.Errorf("restore %s: %w", name, err)
	}
	// directories stay writable until their children are back
	for _, rel := range dirs {
		info, err := os.Stat(filepath.Join(backup.path, rel))
		if err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
		if err := os.Chmod(filepath.Join(b.appDir, rel), info.Mode().Perm()); err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
	}

	removed, err := b.removeExtras(keep)
	if err != nil {
		return fmt.Errorf("clean after restore: %w", err)
	}
	b.log.Info("Backup restored",
		zap.String("name", name),
		zap.String("version", backup.Version),
		zap.Int("removed", removed),
	)
	return nil
}

func (b *Backups) restoreEntry(src, dst string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	existing, statErr := os.Lstat(dst)

	switch {
	case d.IsDir():
		if statErr == nil && !existing.IsDir() {
			if err := os.Remove(dst); err != nil {
				return err
			}
		}
		if err := os.MkdirAll(dst, info.Mode().Perm()|0o700); err != nil {
			return err
		}
		return os.Chmod(dst, info.Mode().Perm()|0o700)

	case info.Mode()&fs.ModeSymlink != 0:
		if statErr == nil {
			if err := os.RemoveAll(dst); err != nil {
				return err
			}
		}
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)

	case info.Mode().IsRegular():
		if statErr == nil && existing.IsDir() {
			if err := os.RemoveAll(dst); err != nil {
				return err
			}
		}
		// the running binary may be among the files, so replace instead of
		// writing in place
		return replaceFile(src, dst, info.Mode().Perm())
	}
	return nil
}

func (b *Backups) removeExtras(keep map[string]struct{}) (int, error) {
	var removed int
	err := filepath.WalkDir(b.appDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(b.appDir, path)
		if err != nil || rel == "." {
			return err
		}
		if b.skipped(path, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := keep[rel]; ok {
			return nil
		}
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		removed++
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	return removed, err
}

// Prune deletes all but the newest keep backups.
func (b *Backups) Prune(keep int) ([]string, error) {
	if keep < 1 {
		keep = 1
	}
	all, err := b.List()
	if err != nil || len(all) <= keep {
		return nil, err
	}
	var pruned []string
	for _, old := range all[keep:] {
		if err := os.RemoveAll(old.path); err != nil {
			return pruned, fmt.Errorf("remove backup %s: %w", old.Name, err)
		}
		pruned = append(pruned, old.Name)
		b.log.Info("Pruned backup", zap.String("name", old.Name))
	}
	return pruned, nil
}

// skipped reports whether an app tree path is outside backup scope.
func (b *Backups) skipped(abs, rel string) bool {
	if abs == b.dir || (b.dataDir != "" && abs == b.dataDir) {
		return true
	}
	top, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return slices.Contains(b.exclude, top)
}

func (b *Backups) copyTree(src, dst string) (files int, size int64, err error) {
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel != "." && b.skipped(path, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			files++
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			n, err := copyFile(path, target, info.Mode().Perm())
			if err != nil {
				return err
			}
			files++
			size += n
		default:
			b.log.Debug("Skipping special file", zap.String("path", rel))
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return files, size, fixDirModes(src, dst)
}

// fixDirModes applies source directory permissions after copying, since
// read-only directories could not have been written into.
func fixDirModes(src, dst string) error {
	return filepath.WalkDir(dst, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dst, path)
		if err != nil {
			return err
		}
		info, err := os.Stat(filepath.Join(src, rel))
		if err != nil {
			return nil
		}
		return os.Chmod(path, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}
	return n, os.Chmod(dst, perm)
}

func replaceFile(src, dst string, perm fs.FileMode) error {
	tmp := dst + ".restore" + tmpSuffix
	if _, err := copyFile(src, tmp, perm); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
