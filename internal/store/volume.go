package store

// Volume describes the filesystem holding a path.
type Volume struct {
	Total     int64
	Used      int64
	Available int64 // usable by this process, excluding reserved blocks
}
