package team

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/teamclaw/teamclaw/internal/claim"
)

// DiscoveredTeam is one team found on disk, with its claim snapshot.
type DiscoveredTeam struct {
	TeamID string
	Dir    string
	Config Config
	// Claim is nil when no session has attached.
	Claim *claim.AttachClaim
	// ClaimFresh is true when the claim heartbeat is within staleMS.
	ClaimFresh bool
}

// ListDiscoveredTeams enumerates team directories under root, skipping
// names that start with '_' and directories without a loadable
// config.json. Results are sorted by config updatedAt, newest first.
func ListDiscoveredTeams(root string, staleMS int64) []DiscoveredTeam {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	now := time.Now()
	var out []DiscoveredTeam
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), "_") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		cfg, ok := LoadConfig(dir)
		if !ok {
			continue
		}
		d := DiscoveredTeam{TeamID: e.Name(), Dir: dir, Config: *cfg}
		if c, ok := claim.Read(dir); ok {
			cc := c
			d.Claim = &cc
			d.ClaimFresh = !claim.Assess(c, now, staleMS).IsStale
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Config.UpdatedAt > out[j].Config.UpdatedAt
	})
	return out
}
