package registry

import "sort"

// BlockFilter decides whether a block should be visited by Walk. A nil
// filter visits every block.
type BlockFilter func(info *AllocInfo) bool

// BlockCallback is invoked once per visited block, in ascending SerialID
// order (allocation order). Grounded on the filter+callback traversal shape
// of objwalk/walkinfo.WalkInfo, generalized here from a filesystem walk
// over on-disk objects to an in-memory walk over live blocks.
type BlockCallback func(info *AllocInfo)

// Walk visits every live block matching filter, oldest allocation first.
// It takes the registry lock for the duration of the scan, same as the
// other copy-out readers; the callback receives copies, never registry-
// owned pointers.
func (r *Registry) Walk(filter BlockFilter, cb BlockCallback) {
	r.mu.Lock()
	matched := make([]AllocInfo, 0, len(r.live))
	for _, info := range r.live {
		if filter != nil && !filter(info) {
			continue
		}
		matched = append(matched, *info)
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].SerialID < matched[j].SerialID })
	for i := range matched {
		cb(&matched[i])
	}
}

// ByFile returns a BlockFilter matching blocks recorded at the given file.
func ByFile(file string) BlockFilter {
	return func(info *AllocInfo) bool { return info.File == file }
}

// ByType returns a BlockFilter matching blocks tagged with the given type.
func ByType(typ string) BlockFilter {
	return func(info *AllocInfo) bool { return info.Type == typ }
}

// OlderThan returns a BlockFilter matching blocks whose age at nowNS
// exceeds thresholdNS — the same predicate LeakKPIs uses internally,
// exposed here so callers (e.g. a CLI "leaks --file=..." view) can reuse it.
func OlderThan(nowNS, thresholdNS uint64) BlockFilter {
	return func(info *AllocInfo) bool { return isLeakAt(nowNS, thresholdNS, info.TimestampNS) }
}
