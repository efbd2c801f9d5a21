// Package claim implements the attach-claim lease: a heartbeated,
// exclusive ownership record for one team directory. At most one leader
// session holds the claim at a time; a stale heartbeat lets another
// session take over.
package claim

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/teamclaw/teamclaw/internal/lockfile"
	"github.com/teamclaw/teamclaw/internal/teamerr"
)

const (
	// FileName is the claim file inside a team directory.
	FileName = ".attach-claim.json"
	// DefaultStaleMS is the heartbeat age after which a claim is stale.
	DefaultStaleMS = 30_000
)

// AttachClaim is the ownership lease persisted per team directory.
type AttachClaim struct {
	HolderSessionID string `json:"holderSessionId"`
	ClaimedAt       string `json:"claimedAt"`
	HeartbeatAt     string `json:"heartbeatAt"`
	PID             int    `json:"pid"`
}

// Freshness is the staleness assessment of a claim at a point in time.
type Freshness struct {
	IsStale bool
	AgeMS   int64
}

// AcquireOptions tunes Acquire.
type AcquireOptions struct {
	// Force takes over a live claim held by another session.
	Force bool
	// StaleMS overrides DefaultStaleMS when positive.
	StaleMS int64
	// NowMS pins "now" for deterministic tests; zero means wall clock.
	NowMS int64
}

// AcquireResult reports the outcome of an Acquire call.
type AcquireResult struct {
	OK bool
	// Claim is the claim now on disk (ours on success, theirs on refusal).
	Claim AttachClaim
	// Replaced is the displaced claim, set when a stale or forced
	// takeover happened.
	Replaced *AttachClaim
	// Reason is "claimed_by_other" when OK is false.
	Reason string
}

// Heartbeat / Release outcomes.
const (
	HeartbeatUpdated  = "updated"
	HeartbeatNotOwner = "not_owner"
	HeartbeatMissing  = "missing"

	ReleaseReleased = "released"
	ReleaseNotOwner = "not_owner"
	ReleaseNone     = "none"
)

func path(teamDir string) string     { return filepath.Join(teamDir, FileName) }
func lockPath(teamDir string) string { return path(teamDir) + ".lock" }

// Assess is a pure staleness check over (claim, now, staleMS). An
// unparseable heartbeat counts as stale.
func Assess(c AttachClaim, now time.Time, staleMS int64) Freshness {
	if staleMS <= 0 {
		staleMS = DefaultStaleMS
	}
	hb, err := time.Parse(time.RFC3339, c.HeartbeatAt)
	if err != nil {
		return Freshness{IsStale: true, AgeMS: -1}
	}
	age := now.Sub(hb).Milliseconds()
	return Freshness{IsStale: age > staleMS, AgeMS: age}
}

// Acquire takes or refreshes the claim on teamDir for holderSessionID.
// Same holder refreshes the heartbeat and keeps claimedAt. A stale or
// force-displaced claim is reported through Replaced. A live foreign claim
// refuses with reason "claimed_by_other".
func Acquire(teamDir, holderSessionID string, opts AcquireOptions) (AcquireResult, error) {
	now := optNow(opts.NowMS)
	var res AcquireResult
	err := lockfile.WithLock(lockPath(teamDir), lockfile.Options{}, func() error {
		current, exists, err := read(teamDir)
		if err != nil {
			return err
		}
		stamp := now.UTC().Format(time.RFC3339)
		next := AttachClaim{
			HolderSessionID: holderSessionID,
			ClaimedAt:       stamp,
			HeartbeatAt:     stamp,
			PID:             os.Getpid(),
		}
		switch {
		case !exists:
			// First claimant.
		case current.HolderSessionID == holderSessionID:
			next.ClaimedAt = current.ClaimedAt
		case Assess(current, now, opts.StaleMS).IsStale || opts.Force:
			replaced := current
			res.Replaced = &replaced
		default:
			res = AcquireResult{OK: false, Claim: current, Reason: "claimed_by_other"}
			return nil
		}
		if err := write(teamDir, next); err != nil {
			return err
		}
		res.OK = true
		res.Claim = next
		return nil
	})
	if err != nil {
		return AcquireResult{}, err
	}
	return res, nil
}

// Heartbeat refreshes heartbeatAt when holderSessionID owns the claim.
func Heartbeat(teamDir, holderSessionID string) (string, error) {
	status := HeartbeatMissing
	err := lockfile.WithLock(lockPath(teamDir), lockfile.Options{}, func() error {
		current, exists, err := read(teamDir)
		if err != nil {
			return err
		}
		if !exists {
			status = HeartbeatMissing
			return nil
		}
		if current.HolderSessionID != holderSessionID {
			status = HeartbeatNotOwner
			return nil
		}
		current.HeartbeatAt = time.Now().UTC().Format(time.RFC3339)
		if err := write(teamDir, current); err != nil {
			return err
		}
		status = HeartbeatUpdated
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// Release removes the claim. Force releases a foreign claim; a missing
// file reports "none".
func Release(teamDir, holderSessionID string, force bool) (string, error) {
	status := ReleaseNone
	err := lockfile.WithLock(lockPath(teamDir), lockfile.Options{}, func() error {
		current, exists, err := read(teamDir)
		if err != nil {
			return err
		}
		if !exists {
			status = ReleaseNone
			return nil
		}
		if current.HolderSessionID != holderSessionID && !force {
			status = ReleaseNotOwner
			return nil
		}
		if err := os.Remove(path(teamDir)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return teamerr.Wrap(teamerr.IoFault, "claim.release", err)
		}
		status = ReleaseReleased
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// Read returns the current claim without taking the lock. Torn or missing
// files read as absent.
func Read(teamDir string) (AttachClaim, bool) {
	c, ok, err := read(teamDir)
	if err != nil {
		return AttachClaim{}, false
	}
	return c, ok
}

func read(teamDir string) (AttachClaim, bool, error) {
	data, err := os.ReadFile(path(teamDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return AttachClaim{}, false, nil
		}
		// Read faults degrade to "missing"; the writer path will surface
		// persistent problems.
		return AttachClaim{}, false, nil
	}
	var c AttachClaim
	if err := json.Unmarshal(data, &c); err != nil {
		return AttachClaim{}, false, nil
	}
	return c, true, nil
}

// write persists the claim with temp-then-rename so readers never observe
// a partial file.
func write(teamDir string, c AttachClaim) error {
	if err := os.MkdirAll(teamDir, 0o755); err != nil {
		return teamerr.Wrap(teamerr.IoFault, "claim.write", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return teamerr.Wrap(teamerr.IoFault, "claim.write", err)
	}
	tmp := path(teamDir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return teamerr.Wrap(teamerr.IoFault, "claim.write", err)
	}
	if err := os.Rename(tmp, path(teamDir)); err != nil {
		return teamerr.Wrap(teamerr.IoFault, "claim.write", err)
	}
	return nil
}

func optNow(nowMS int64) time.Time {
	if nowMS > 0 {
		return time.UnixMilli(nowMS)
	}
	return time.Now()
}
