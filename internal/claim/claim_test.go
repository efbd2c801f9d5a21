package claim

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAcquireFresh(t *testing.T) {
	dir := t.TempDir()
	res, err := Acquire(dir, "s1", AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.OK || res.Claim.HolderSessionID != "s1" || res.Replaced != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Claim.PID != os.Getpid() {
		t.Errorf("pid not recorded")
	}
}

func TestAcquireSameHolderRefreshes(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir, "s1", AcquireOptions{})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond) // RFC3339 has second resolution
	second, err := Acquire(dir, "s1", AcquireOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !second.OK || second.Replaced != nil {
		t.Fatalf("refresh should succeed without replacement: %+v", second)
	}
	if second.Claim.ClaimedAt != first.Claim.ClaimedAt {
		t.Error("claimedAt must be retained on refresh")
	}
	if second.Claim.HeartbeatAt == first.Claim.HeartbeatAt {
		t.Error("heartbeatAt must be refreshed")
	}
}

func TestAcquireRefusesLiveForeignClaim(t *testing.T) {
	dir := t.TempDir()
	if _, err := Acquire(dir, "s1", AcquireOptions{}); err != nil {
		t.Fatal(err)
	}
	res, err := Acquire(dir, "s2", AcquireOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("foreign live claim must refuse")
	}
	if res.Reason != "claimed_by_other" || res.Claim.HolderSessionID != "s1" {
		t.Fatalf("unexpected refusal: %+v", res)
	}
}

// Claim takeover: a heartbeat older than staleMS lets another session in
// and reports the displaced holder.
func TestAcquireTakesOverStaleClaim(t *testing.T) {
	dir := t.TempDir()
	stale := AttachClaim{
		HolderSessionID: "s1",
		ClaimedAt:       time.Now().UTC().Add(-2 * time.Minute).Format(time.RFC3339),
		HeartbeatAt:     time.Now().UTC().Add(-time.Minute).Format(time.RFC3339),
		PID:             1,
	}
	if err := write(dir, stale); err != nil {
		t.Fatal(err)
	}
	res, err := Acquire(dir, "s2", AcquireOptions{StaleMS: 30_000})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatalf("stale claim must be taken over: %+v", res)
	}
	if res.Replaced == nil || res.Replaced.HolderSessionID != "s1" {
		t.Fatalf("replaced holder not reported: %+v", res.Replaced)
	}
}

func TestAcquireForce(t *testing.T) {
	dir := t.TempDir()
	if _, err := Acquire(dir, "s1", AcquireOptions{}); err != nil {
		t.Fatal(err)
	}
	res, err := Acquire(dir, "s2", AcquireOptions{Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Replaced == nil || res.Replaced.HolderSessionID != "s1" {
		t.Fatalf("force takeover failed: %+v", res)
	}
}

// Exactly one of two concurrent distinct-holder acquires may win.
func TestConcurrentAcquireMutualExclusion(t *testing.T) {
	dir := t.TempDir()
	var wg sync.WaitGroup
	results := make([]AcquireResult, 2)
	for i, holder := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, holder string) {
			defer wg.Done()
			res, err := Acquire(dir, holder, AcquireOptions{})
			if err != nil {
				t.Errorf("acquire %s: %v", holder, err)
				return
			}
			results[i] = res
		}(i, holder)
	}
	wg.Wait()
	wins := 0
	for _, r := range results {
		if r.OK {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestHeartbeat(t *testing.T) {
	dir := t.TempDir()
	if status, err := Heartbeat(dir, "s1"); err != nil || status != HeartbeatMissing {
		t.Fatalf("missing claim: status=%q err=%v", status, err)
	}
	if _, err := Acquire(dir, "s1", AcquireOptions{}); err != nil {
		t.Fatal(err)
	}
	if status, err := Heartbeat(dir, "s1"); err != nil || status != HeartbeatUpdated {
		t.Fatalf("owner heartbeat: status=%q err=%v", status, err)
	}
	if status, err := Heartbeat(dir, "s2"); err != nil || status != HeartbeatNotOwner {
		t.Fatalf("foreign heartbeat: status=%q err=%v", status, err)
	}
}

func TestRelease(t *testing.T) {
	dir := t.TempDir()
	if status, err := Release(dir, "s1", false); err != nil || status != ReleaseNone {
		t.Fatalf("missing claim: status=%q err=%v", status, err)
	}
	if _, err := Acquire(dir, "s1", AcquireOptions{}); err != nil {
		t.Fatal(err)
	}
	if status, err := Release(dir, "s2", false); err != nil || status != ReleaseNotOwner {
		t.Fatalf("foreign release: status=%q err=%v", status, err)
	}
	if status, err := Release(dir, "s1", false); err != nil || status != ReleaseReleased {
		t.Fatalf("owner release: status=%q err=%v", status, err)
	}
	if _, ok := Read(dir); ok {
		t.Fatal("claim file must be gone after release")
	}
}

func TestReleaseForce(t *testing.T) {
	dir := t.TempDir()
	if _, err := Acquire(dir, "s1", AcquireOptions{}); err != nil {
		t.Fatal(err)
	}
	if status, err := Release(dir, "s2", true); err != nil || status != ReleaseReleased {
		t.Fatalf("forced release: status=%q err=%v", status, err)
	}
}

func TestAssess(t *testing.T) {
	now := time.Now()
	fresh := AttachClaim{HeartbeatAt: now.Add(-10 * time.Second).UTC().Format(time.RFC3339)}
	if f := Assess(fresh, now, 30_000); f.IsStale {
		t.Errorf("10s-old heartbeat must be fresh: %+v", f)
	}
	old := AttachClaim{HeartbeatAt: now.Add(-time.Minute).UTC().Format(time.RFC3339)}
	if f := Assess(old, now, 30_000); !f.IsStale {
		t.Errorf("60s-old heartbeat must be stale: %+v", f)
	}
	garbage := AttachClaim{HeartbeatAt: "not-a-time"}
	if f := Assess(garbage, now, 30_000); !f.IsStale || f.AgeMS != -1 {
		t.Errorf("unparseable heartbeat must be stale: %+v", f)
	}
}

func TestReadToleratesGarbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("{torn"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, ok := Read(dir); ok {
		t.Fatal("torn claim file must read as missing")
	}
}
