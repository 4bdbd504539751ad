package backup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Policy is how many snapshots to keep per age tier. Snapshots older than
// a year are always removed.
type Policy struct {
	Hourly  int // younger than 24h
	Daily   int // younger than 7 days
	Weekly  int // younger than 30 days
	Monthly int // younger than 365 days
}

type tier struct {
	maxAge time.Duration
	keep   int
}

func (p Policy) tiers() []tier {
	const day = 24 * time.Hour
	return []tier{
		{day, p.Hourly},
		{7 * day, p.Daily},
		{30 * day, p.Weekly},
		{365 * day, p.Monthly},
	}
}

// List returns the snapshots in dir, newest first. A missing directory
// holds no snapshots.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var out []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		st, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			Path:  filepath.Join(dir, entry.Name()),
			Taken: takenAt(entry.Name(), st.ModTime()),
			Size:  st.Size(),
		})
	}

	slices.SortFunc(out, func(a, b Info) int { return b.Taken.Compare(a.Taken) })
	return out, nil
}

// takenAt reads the snapshot time from the file name, falling back to the
// modification time for files not written by Snapshot.
func takenAt(name string, modTime time.Time) time.Time {
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt)
	if t, err := time.Parse(timeLayout, stamp); err == nil {
		return t
	}
	return modTime
}

// expired returns the snapshots (newest first) that policy does not keep.
func expired(snapshots []Info, policy Policy, now time.Time) []Info {
	tiers := policy.tiers()
	kept := make([]int, len(tiers))

	var out []Info
	for _, s := range snapshots {
		age := now.Sub(s.Taken)
		i := slices.IndexFunc(tiers, func(t tier) bool { return age < t.maxAge })
		if i < 0 || kept[i] >= tiers[i].keep {
			out = append(out, s)
			continue
		}
		kept[i]++
	}
	return out
}

// Prune deletes the snapshots in dir that policy does not keep and returns
// them. Deletion continues past failures.
func Prune(dir string, policy Policy, now time.Time) ([]Info, error) {
	snapshots, err := List(dir)
	if err != nil {
		return nil, err
	}

	var (
		removed []Info
		errs    []error
	)
	for _, s := range expired(snapshots, policy, now) {
		if err := os.Remove(s.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Debug("pruned backup", "path", s.Path, "taken", s.Taken)
		removed = append(removed, s)
	}
	return removed, errors.Join(errs...)
}
