package manifest

import (
	"context"
	"fmt"
	"sync"

	"github.com/untoldecay/dmms-sync-core/internal/dolt"
)

// SyncStateReport is the boot-time / pre-operation sanity check result
// (spec §4.10).
type SyncStateReport struct {
	InSync          bool
	ManifestExists  bool
	DoltInitialized bool
	LocalCommit     string
	ManifestCommit  string
	LocalBranch     string
	ManifestBranch  string
	HasLocalChanges bool
	Reason          string
}

// OutOfSyncWarning is the structured warning returned when a report is
// not in sync.
type OutOfSyncWarning struct {
	Type           string
	Message        string
	ActionRequired string
}

// SyncStateChecker wraps a Store and a Dolt gateway with a small
// invalidatable cache, grounded on the teacher's
// ForcePushStatus/CheckForcePush pattern of comparing a stored ref
// against a live one and reporting a structured divergence — adapted
// here from "is my branch ahead of the remote" to "does local state
// agree with the recorded manifest".
type SyncStateChecker struct {
	Store *Store
	Dolt  dolt.Gateway

	mu     sync.Mutex
	cached *SyncStateReport
}

func NewSyncStateChecker(store *Store, gateway dolt.Gateway) *SyncStateChecker {
	return &SyncStateChecker{Store: store, Dolt: gateway}
}

// InvalidateCache forces the next Check call to re-query.
func (c *SyncStateChecker) InvalidateCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Check computes (or returns the cached) SyncStateReport.
func (c *SyncStateChecker) Check(ctx context.Context) (*SyncStateReport, error) {
	c.mu.Lock()
	if c.cached != nil {
		cached := *c.cached
		c.mu.Unlock()
		return &cached, nil
	}
	c.mu.Unlock()

	report, err := c.compute(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cached = report
	c.mu.Unlock()

	cached := *report
	return &cached, nil
}

func (c *SyncStateChecker) compute(ctx context.Context) (*SyncStateReport, error) {
	m, err := c.Store.Read()
	if err != nil {
		return nil, fmt.Errorf("manifest: read for sync check: %w", err)
	}
	if m == nil {
		return &SyncStateReport{InSync: true, ManifestExists: false, Reason: "No manifest"}, nil
	}

	localBranch, err := c.Dolt.CurrentBranch(ctx)
	if err != nil {
		return &SyncStateReport{
			InSync:          false,
			ManifestExists:  true,
			DoltInitialized: false,
			ManifestCommit:  m.CurrentCommit,
			ManifestBranch:  m.CurrentBranch,
			Reason:          "Dolt repository not initialized",
		}, nil
	}

	localCommit, err := c.Dolt.CurrentCommit(ctx)
	if err != nil {
		return &SyncStateReport{
			InSync:          false,
			ManifestExists:  true,
			DoltInitialized: false,
			LocalBranch:     localBranch,
			ManifestCommit:  m.CurrentCommit,
			ManifestBranch:  m.CurrentBranch,
			Reason:          "Dolt repository has no commits",
		}, nil
	}

	clean, _, err := c.Dolt.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("manifest: status for sync check: %w", err)
	}
	hasLocalChanges := !clean

	inSync := localCommit == m.CurrentCommit && localBranch == m.CurrentBranch && !hasLocalChanges

	report := &SyncStateReport{
		InSync:          inSync,
		ManifestExists:  true,
		DoltInitialized: true,
		LocalCommit:     localCommit,
		ManifestCommit:  m.CurrentCommit,
		LocalBranch:     localBranch,
		ManifestBranch:  m.CurrentBranch,
		HasLocalChanges: hasLocalChanges,
	}
	if !inSync {
		report.Reason = divergenceReason(report)
	}
	return report, nil
}

func divergenceReason(r *SyncStateReport) string {
	switch {
	case r.LocalBranch != r.ManifestBranch:
		return fmt.Sprintf("local branch %q differs from manifest branch %q", r.LocalBranch, r.ManifestBranch)
	case r.LocalCommit != r.ManifestCommit:
		return fmt.Sprintf("local commit %q differs from manifest commit %q", r.LocalCommit, r.ManifestCommit)
	case r.HasLocalChanges:
		return "uncommitted local changes"
	default:
		return "unknown divergence"
	}
}

// IsSafeToSync is true iff there are no uncommitted local changes and
// the local branch is not ahead of the manifest's recorded commit.
func (c *SyncStateChecker) IsSafeToSync(ctx context.Context) (bool, error) {
	report, err := c.Check(ctx)
	if err != nil {
		return false, err
	}
	if report.HasLocalChanges {
		return false, nil
	}
	if report.ManifestCommit == "" {
		return true, nil
	}
	ahead, err := c.isAhead(ctx, report.LocalCommit, report.ManifestCommit)
	if err != nil {
		return false, err
	}
	return !ahead, nil
}

func (c *SyncStateChecker) isAhead(ctx context.Context, localCommit, manifestCommit string) (bool, error) {
	if localCommit == manifestCommit {
		return false, nil
	}
	base, err := c.Dolt.MergeBase(ctx, localCommit, manifestCommit)
	if err != nil {
		return false, nil // cannot determine ancestry: treat conservatively as "not ahead"
	}
	return base == manifestCommit, nil
}

// OutOfSyncWarning returns nil when in sync; otherwise a structured
// warning describing what's wrong and what to do about it.
func (c *SyncStateChecker) OutOfSyncWarning(ctx context.Context) (*OutOfSyncWarning, error) {
	report, err := c.Check(ctx)
	if err != nil {
		return nil, err
	}
	if report.InSync {
		return nil, nil
	}

	warning := &OutOfSyncWarning{Message: report.Reason}
	switch {
	case !report.DoltInitialized:
		warning.Type = "dolt_not_initialized"
		warning.ActionRequired = "run init to create the Dolt repository"
	case report.HasLocalChanges:
		warning.Type = "uncommitted_changes"
		warning.ActionRequired = "run full_sync to commit local changes"
	case report.LocalBranch != report.ManifestBranch:
		warning.Type = "branch_mismatch"
		warning.ActionRequired = "checkout the manifest's recorded branch or update the manifest"
	default:
		warning.Type = "commit_mismatch"
		warning.ActionRequired = "run full_sync or checkout the manifest's recorded commit"
	}
	return warning, nil
}
