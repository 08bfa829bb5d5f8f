package gc

// Collect aggregates path sets from all snapshots in others using the given
// accessor. Snapshots that don't support the accessor return nil and are
// silently skipped.
//
// Usage:
//
//	used := gc.Collect(others, gc.Files)
func Collect(others map[string]any, accessor func(any) map[string]struct{}) map[string]struct{} {
	result := make(map[string]struct{})
	for _, snap := range others {
		for id := range accessor(snap) {
			result[id] = struct{}{}
		}
	}
	return result
}

// usedFiles is implemented by snapshots that reference files of a project
// directory.
type usedFiles interface {
	UsedFiles() map[string]struct{}
}

// Files extracts referenced file paths from a snapshot.
// Returns nil if the snapshot does not implement UsedFiles.
func Files(snap any) map[string]struct{} {
	if u, ok := snap.(usedFiles); ok {
		return u.UsedFiles()
	}
	return nil
}
