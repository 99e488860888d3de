package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/logger"
	"github.com/google/uuid"

	"raffle/internal/models"
	"raffle/internal/observability"
	"raffle/internal/store"
)

const (
	DefaultBackupKeep = 10

	backupPrefix = "backup_"
	backupSuffix = ".json"
	backupLayout = "20060102_150405.000000"
)

var ErrInvalidBackup = errors.New("invalid backup")

// StateStore is what snapshots are read from and restored into.
type StateStore interface {
	ListAll(ctx context.Context) ([]models.Participant, error)
	Prizes(ctx context.Context) ([]string, error)
	History(ctx context.Context) ([]models.DrawOutcome, error)
	RestoreState(ctx context.Context, snap models.Snapshot, settings map[string]string) (store.ReplaceResult, error)
}

// TemplateSource provides the notification templates included in snapshots.
type TemplateSource interface {
	Templates(ctx context.Context) models.Templates
}

// BackupInfo describes one snapshot file.
type BackupInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	Size      int64     `json:"size"`
}

// BackupService writes timestamped snapshots of the whole raffle state to a
// directory and keeps only the newest ones.
type BackupService struct {
	dir        string
	keep       int
	raffleName string
	state      StateStore
	templates  TemplateSource
	metrics    *observability.Metrics
	now        func() time.Time

	mu sync.Mutex
}

func NewBackupService(dir string, keep int, raffleName string, state StateStore, templates TemplateSource, metrics *observability.Metrics) *BackupService {
	if keep <= 0 {
		keep = DefaultBackupKeep
	}
	return &BackupService{
		dir:        dir,
		keep:       keep,
		raffleName: raffleName,
		state:      state,
		templates:  templates,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Capture materializes the current state without writing it anywhere.
func (b *BackupService) Capture(ctx context.Context) (models.Snapshot, error) {
	participants, err := b.state.ListAll(ctx)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("read participants: %w", err)
	}
	prizes, err := b.state.Prizes(ctx)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("read prizes: %w", err)
	}
	history, err := b.state.History(ctx)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("read history: %w", err)
	}
	if participants == nil {
		participants = []models.Participant{}
	}

	snap := models.Snapshot{
		ID:           uuid.NewString(),
		CreatedAt:    b.now(),
		RaffleName:   b.raffleName,
		Participants: participants,
		Prizes:       prizes,
		History:      history,
	}
	if b.templates != nil {
		t := b.templates.Templates(ctx)
		snap.Templates = &t
	}
	return snap, nil
}

// Snapshot persists the current state as a new backup file and prunes the
// oldest files beyond the retention count.
func (b *BackupService) Snapshot(ctx context.Context) (BackupInfo, error) {
	info, err := b.snapshot(ctx)
	if err != nil {
		logger.Errorf("backup: %v", err)
		b.metrics.Backups.WithLabelValues("snapshot", "error").Inc()
		return BackupInfo{}, err
	}
	b.metrics.Backups.WithLabelValues("snapshot", "ok").Inc()
	logger.Infof("backup: created %s", info.Name)
	return info, nil
}

func (b *BackupService) snapshot(ctx context.Context) (BackupInfo, error) {
	snap, err := b.Capture(ctx)
	if err != nil {
		return BackupInfo{}, err
	}
	data, err := json.MarshalIndent(snap, "", "    ")
	if err != nil {
		return BackupInfo{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return BackupInfo{}, err
	}
	name := backupPrefix + snap.CreatedAt.UTC().Format(backupLayout) + backupSuffix
	if err := writeFileAtomic(filepath.Join(b.dir, name), data); err != nil {
		return BackupInfo{}, err
	}
	if err := b.prune(); err != nil {
		logger.Warningf("backup: prune: %v", err)
	}
	return BackupInfo{Name: name, CreatedAt: snap.CreatedAt.UTC(), Size: int64(len(data))}, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-backup-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// prune removes the oldest backups beyond the retention count. Names sort in
// creation order.
func (b *BackupService) prune() error {
	names, err := b.names()
	if err != nil {
		return err
	}
	if len(names) <= b.keep {
		return nil
	}
	for _, name := range names[:len(names)-b.keep] {
		if err := os.Remove(filepath.Join(b.dir, name)); err != nil {
			return err
		}
		logger.Infof("backup: pruned %s", name)
	}
	return nil
}

// names lists backup file names, oldest first.
func (b *BackupService) names() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && validBackupName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func validBackupName(name string) bool {
	return strings.HasPrefix(name, backupPrefix) && strings.HasSuffix(name, backupSuffix) &&
		filepath.Base(name) == name
}

// List returns the retained backups, newest first.
func (b *BackupService) List() ([]BackupInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	names, err := b.names()
	if err != nil {
		return nil, err
	}
	out := make([]BackupInfo, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		info := BackupInfo{Name: name}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
		if t, err := time.Parse(backupLayout, stamp); err == nil {
			info.CreatedAt = t
		}
		if fi, err := os.Stat(filepath.Join(b.dir, name)); err == nil {
			info.Size = fi.Size()
		}
		out = append(out, info)
	}
	return out, nil
}

// Read returns the raw content of a retained backup.
func (b *BackupService) Read(name string) ([]byte, error) {
	if !validBackupName(name) {
		return nil, fmt.Errorf("%w: bad name %q", ErrInvalidBackup, name)
	}
	data, err := os.ReadFile(filepath.Join(b.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, store.ErrNotFound
	}
	return data, err
}

// ParseSnapshot decodes a backup or full-state export. The document must be
// a JSON object with a participants list; prizes and history, when present,
// must be lists too.
func ParseSnapshot(data []byte) (models.Snapshot, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if fields == nil {
		return models.Snapshot{}, fmt.Errorf("%w: not a snapshot object", ErrInvalidBackup)
	}
	raw, ok := fields["participants"]
	if !ok || !isJSONArray(raw) {
		return models.Snapshot{}, fmt.Errorf("%w: missing participants list", ErrInvalidBackup)
	}
	for _, key := range []string{"prizes", "history"} {
		if v, ok := fields[key]; ok && !isJSONArray(v) && string(bytes.TrimSpace(v)) != "null" {
			return models.Snapshot{}, fmt.Errorf("%w: %s is not a list", ErrInvalidBackup, key)
		}
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	return snap, nil
}

func isJSONArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

// Restore replaces the live state with the snapshot in data. The snapshot is
// parsed before anything is touched; a parse failure leaves the state as is.
// Individually malformed participants are skipped and counted.
func (b *BackupService) Restore(ctx context.Context, data []byte) (store.ReplaceResult, error) {
	snap, err := ParseSnapshot(data)
	if err != nil {
		b.metrics.Backups.WithLabelValues("restore", "invalid").Inc()
		logger.Errorf("backup: restore aborted: %v", err)
		return store.ReplaceResult{}, err
	}
	if snap.Prizes == nil {
		snap.Prizes = []string{}
	}

	res, err := b.state.RestoreState(ctx, snap, TemplateSettings(snap.Templates))
	if err != nil {
		b.metrics.Backups.WithLabelValues("restore", "error").Inc()
		return store.ReplaceResult{}, err
	}
	b.metrics.Backups.WithLabelValues("restore", "ok").Inc()
	logger.Infof("backup: restored %d participant(s), %d skipped", res.Written, res.Skipped)
	return res, nil
}

// RestoreFile restores a retained backup by name.
func (b *BackupService) RestoreFile(ctx context.Context, name string) (store.ReplaceResult, error) {
	data, err := b.Read(name)
	if err != nil {
		return store.ReplaceResult{}, err
	}
	return b.Restore(ctx, data)
}

// Clear deletes every retained backup.
func (b *BackupService) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	names, err := b.names()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(b.dir, name)); err != nil {
			return err
		}
	}
	return nil
}
