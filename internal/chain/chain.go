// Package chain implements the chain/retention engine (spec component
// 4.G): parent resolution to a FULL ancestor, redundancy/window/pin
// retention evaluation, merge of an incremental chain into its FULL
// ancestor, and the WAL purge anchor computation.
package chain

import (
	"sort"
	"time"

	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/pgerr"
)

// ByID indexes backups by id for chain walks.
type ByID map[string]*catalog.Backup

func Index(backups []*catalog.Backup) ByID {
	m := make(ByID, len(backups))
	for _, b := range backups {
		m[b.ID] = b
	}
	return m
}

// FindFullAncestor walks parent links from b until a FULL backup is found.
// A broken chain (a parent id that doesn't resolve) is reported as
// ErrOrphanChain. The descendant's status is left unchanged: nothing in
// this build sets a backup to ORPHAN.
func FindFullAncestor(idx ByID, b *catalog.Backup) (*catalog.Backup, error) {
	cur := b
	seen := map[string]bool{}
	for !cur.IsFull() {
		if seen[cur.ID] {
			return nil, pgerr.New(pgerr.KindInvariant, "chain.FindFullAncestor: cycle", pgerr.ErrOrphanChain).WithBackup(b.ID)
		}
		seen[cur.ID] = true
		parent, ok := idx[cur.ParentBackupID]
		if !ok {
			return nil, pgerr.New(pgerr.KindInvariant, "chain.FindFullAncestor: missing parent", pgerr.ErrOrphanChain).WithBackup(cur.ID)
		}
		cur = parent
	}
	return cur, nil
}

// Chain returns the ordered ancestry FULL -> ... -> b (b last), the order
// §4.E's restore procedure and §4.G's merge both require.
func Chain(idx ByID, b *catalog.Backup) ([]*catalog.Backup, error) {
	var rev []*catalog.Backup
	cur := b
	seen := map[string]bool{}
	for {
		rev = append(rev, cur)
		if cur.IsFull() {
			break
		}
		if seen[cur.ID] {
			return nil, pgerr.New(pgerr.KindInvariant, "chain.Chain: cycle", pgerr.ErrOrphanChain).WithBackup(b.ID)
		}
		seen[cur.ID] = true
		parent, ok := idx[cur.ParentBackupID]
		if !ok {
			return nil, pgerr.New(pgerr.KindInvariant, "chain.Chain: missing parent", pgerr.ErrOrphanChain).WithBackup(cur.ID)
		}
		cur = parent
	}
	out := make([]*catalog.Backup, len(rev))
	for i, b := range rev {
		out[len(rev)-1-i] = b
	}
	return out, nil
}

// RetentionPolicy is the union of the two orthogonal rules §4.G names.
type RetentionPolicy struct {
	Redundancy   int // keep the newest R valid FULL backups, across timelines
	WindowDays   int // keep every backup whose recovery-time is within now - W*86400
	MergeExpired bool
}

// Evaluation is the per-backup retention verdict.
type Evaluation struct {
	Keep          map[string]bool
	Purge         []*catalog.Backup
	MergeTargets  map[string]string // kept non-FULL backup whose FULL ancestor is purged -> that FULL ancestor's id
}

// Evaluate implements §4.G's four-step algorithm.
func Evaluate(backups []*catalog.Backup, policy RetentionPolicy, now time.Time) Evaluation {
	sorted := make([]*catalog.Backup, len(backups))
	copy(sorted, backups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartTime.After(sorted[j].StartTime) })

	idx := Index(sorted)
	windowCutoff := now.Add(-time.Duration(policy.WindowDays) * 24 * time.Hour)

	fullInRedundancy := map[string]bool{}
	fullCount := 0
	for _, b := range sorted {
		if !b.IsFull() || b.Status != catalog.StatusOK {
			continue
		}
		fullCount++
		if fullCount <= policy.Redundancy {
			fullInRedundancy[b.ID] = true
		}
	}

	eval := Evaluation{Keep: map[string]bool{}, MergeTargets: map[string]string{}}
	for _, b := range sorted {
		full, err := FindFullAncestor(idx, b)
		ancestorInRedundancy := err == nil && fullInRedundancy[full.ID]
		withinWindow := b.RecoveryTime.After(windowCutoff)
		pinned := b.Pinned(now)
		if ancestorInRedundancy || withinWindow || pinned {
			eval.Keep[b.ID] = true
		} else {
			eval.Purge = append(eval.Purge, b)
		}
	}

	if policy.MergeExpired {
		for _, b := range sorted {
			if !eval.Keep[b.ID] || b.IsFull() {
				continue
			}
			full, err := FindFullAncestor(idx, b)
			if err != nil {
				continue
			}
			if !eval.Keep[full.ID] {
				eval.MergeTargets[b.ID] = full.ID
			}
		}
	}

	return eval
}

// PurgeAnchor computes, for one timeline, the floor LSN below which WAL
// segments may be deleted: the minimum start-LSN across the remaining
// OK backups on that timeline, or the start-LSN of the D-th most
// recent valid backup when walDepth > 0, per §4.G's WAL-purge paragraph.
func PurgeAnchor(kept []*catalog.Backup, timeline uint32, walDepth int) (anchor uint64, ok bool) {
	var onTimeline []*catalog.Backup
	for _, b := range kept {
		if b.TimelineID == timeline && b.Status == catalog.StatusOK {
			onTimeline = append(onTimeline, b)
		}
	}
	if len(onTimeline) == 0 {
		return 0, false
	}
	sort.Slice(onTimeline, func(i, j int) bool { return onTimeline[i].StartTime.After(onTimeline[j].StartTime) })

	if walDepth > 0 && walDepth <= len(onTimeline) {
		return uint64(onTimeline[walDepth-1].StartLSN), true
	}

	min := uint64(onTimeline[0].StartLSN)
	for _, b := range onTimeline {
		if uint64(b.StartLSN) < min {
			min = uint64(b.StartLSN)
		}
	}
	return min, true
}
