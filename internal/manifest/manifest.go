// Package manifest implements the on-disk state manifest and the boot
// time / pre-operation sanity check described in spec §4.10.
//
// Atomic writes follow the teacher's registry/lockfile idiom
// (internal/daemon.Registry in the teacher: a file lock guards a
// read-modify-write, and the write itself lands via a temp-file-then-
// rename) — adapted here to a pure write-temp-then-rename-under-flock
// for a single JSON document rather than a registry of daemon entries.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/untoldecay/dmms-sync-core/internal/coreerr"
)

const (
	ManifestVersion = "1.0"
	ManifestRelPath = ".dmms/state.json"
)

// InitMode controls how aggressively the system auto-syncs at startup.
type InitMode string

const (
	InitModeAuto     InitMode = "auto"
	InitModePrompt   InitMode = "prompt"
	InitModeManual   InitMode = "manual"
	InitModeDisabled InitMode = "disabled"
)

// OnCloneMode controls behavior the first time a repo is seen locally.
type OnCloneMode string

const (
	OnCloneSyncToManifest OnCloneMode = "sync_to_manifest"
	OnCloneSyncToLatest   OnCloneMode = "sync_to_latest"
	OnCloneEmpty          OnCloneMode = "empty"
	OnClonePrompt         OnCloneMode = "prompt"
)

// OnBranchChangeMode controls behavior when the local branch changes.
type OnBranchChangeMode string

const (
	OnBranchChangePreserveLocal  OnBranchChangeMode = "preserve_local"
	OnBranchChangeSyncToManifest OnBranchChangeMode = "sync_to_manifest"
	OnBranchChangePrompt         OnBranchChangeMode = "prompt"
)

// GitMapping records the last git commit this Dolt state was produced
// at, for repos that mirror a git history alongside the Dolt one.
type GitMapping struct {
	Enabled               bool   `json:"enabled"`
	LastGitCommit         string `json:"last_git_commit,omitempty"`
	DoltCommitAtGitCommit string `json:"dolt_commit_at_git_commit,omitempty"`
}

// Initialization bundles the three init-policy knobs from spec §3.
type Initialization struct {
	Mode           InitMode           `json:"mode"`
	OnClone        OnCloneMode        `json:"on_clone"`
	OnBranchChange OnBranchChangeMode `json:"on_branch_change"`
}

// Collections names the tracked/excluded glob patterns (spec §4.9).
type Collections struct {
	Tracked  []string `json:"tracked"`
	Excluded []string `json:"excluded"`
}

// Manifest is the full on-disk document at <project>/.dmms/state.json.
type Manifest struct {
	Version         string          `json:"version"`
	RemoteURL       string          `json:"remote_url"`
	DefaultBranch   string          `json:"default_branch"`
	CurrentCommit   string          `json:"current_commit"`
	CurrentBranch   string          `json:"current_branch"`
	GitMapping      GitMapping      `json:"git_mapping"`
	Initialization  Initialization  `json:"initialization"`
	Collections     Collections     `json:"collections"`
	UpdatedAt       time.Time       `json:"updated_at"`
	UpdatedBy       string          `json:"updated_by"`
}

// Validate checks the enum fields named in spec §4.10.
func (m *Manifest) Validate() error {
	if m.Version != ManifestVersion {
		return coreerr.New(coreerr.KindValidation, fmt.Sprintf("unsupported manifest version %q", m.Version))
	}
	switch m.Initialization.Mode {
	case InitModeAuto, InitModePrompt, InitModeManual, InitModeDisabled:
	default:
		return coreerr.New(coreerr.KindValidation, fmt.Sprintf("invalid initialization.mode %q", m.Initialization.Mode))
	}
	switch m.Initialization.OnClone {
	case OnCloneSyncToManifest, OnCloneSyncToLatest, OnCloneEmpty, OnClonePrompt:
	default:
		return coreerr.New(coreerr.KindValidation, fmt.Sprintf("invalid initialization.on_clone %q", m.Initialization.OnClone))
	}
	switch m.Initialization.OnBranchChange {
	case OnBranchChangePreserveLocal, OnBranchChangeSyncToManifest, OnBranchChangePrompt:
	default:
		return coreerr.New(coreerr.KindValidation, fmt.Sprintf("invalid initialization.on_branch_change %q", m.Initialization.OnBranchChange))
	}
	return nil
}

// Store reads and atomically writes the manifest at a fixed path under
// a project directory.
type Store struct {
	projectDir string
}

func NewStore(projectDir string) *Store {
	return &Store{projectDir: projectDir}
}

func (s *Store) path() string {
	return filepath.Join(s.projectDir, ManifestRelPath)
}

func (s *Store) lockPath() string {
	return s.path() + ".lock"
}

// Read returns nil, nil when the manifest is missing, empty, or
// corrupt — callers treat all three as "no prior state" (spec §4.10).
func (s *Store) Read() (*Manifest, error) {
	raw, err := os.ReadFile(s.path()) // #nosec G304 -- path derived from configured project dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, coreerr.Wrap(coreerr.KindExternalCommandFailed, "read manifest", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil // corrupt manifest treated as absent, not fatal
	}
	return &m, nil
}

// Write atomically persists m: write to a temp file in the same
// directory, fsync, then rename over the target. A file lock serializes
// concurrent writers (spec §5: "serialized by file rename").
func (s *Store) Write(m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(s.path())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "create manifest dir", err)
	}

	fl := flock.New(s.lockPath())
	if err := fl.Lock(); err != nil {
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "lock manifest", err)
	}
	defer fl.Unlock() //nolint:errcheck

	tmp, err := os.CreateTemp(dir, "state-*.json.tmp")
	if err != nil {
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "create temp manifest", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // no-op once renamed

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		_ = tmp.Close()
		return coreerr.Wrap(coreerr.KindInternal, "marshal manifest", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "write temp manifest", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "sync temp manifest", err)
	}
	if err := tmp.Close(); err != nil {
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "close temp manifest", err)
	}
	if err := os.Rename(tmpPath, s.path()); err != nil {
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "rename manifest into place", err)
	}
	return nil
}
