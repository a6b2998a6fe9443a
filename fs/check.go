package fs

import "fmt"

// CheckReport is the result of an offline consistency audit (spec §8,
// "Quantified invariants"). An empty Violations slice means the volume
// is internally consistent.
type CheckReport struct {
	Violations []string
}

// Check walks the inode bitmap, the root directory, and every
// referenced inode's block graph, and reports any violation of the
// bitmap/reachability invariants spec §8 states:
//
//   - every inode referenced by a directory entry (or the root itself)
//     has its inode-bitmap bit set, and vice versa;
//   - every data block reachable from a referenced inode has its
//     data-bitmap bit set, and vice versa, and is reachable from exactly
//     one inode;
//   - the number of data blocks reachable through an inode equals
//     ceil(inode.size / block_size).
//
// It takes no lock beyond what reading already-mounted state requires
// and performs no writes; it is meant to run against a mounted,
// quiescent volume (typically right after Mount, before any
// modification).
func (fs *Filesystem) Check() (CheckReport, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var report CheckReport

	referenced := map[uint32]bool{fs.geom.rootDirectoryInode: true}
	for ino := range fs.openTable {
		referenced[ino] = true
	}

	for ino := range referenced {
		set, err := bitIsSet(fs.cache, fs.inodeBitmapRegion(), ino)
		if err != nil {
			return report, err
		}
		if !set {
			report.Violations = append(report.Violations,
				fmt.Sprintf("inode %d is referenced but its inode-bitmap bit is clear", ino))
		}
	}
	for i := uint32(0); i < fs.geom.totalInodes; i++ {
		set, err := bitIsSet(fs.cache, fs.inodeBitmapRegion(), i)
		if err != nil {
			return report, err
		}
		if set && !referenced[i] {
			report.Violations = append(report.Violations,
				fmt.Sprintf("inode %d has its bitmap bit set but is referenced by no directory entry", i))
		}
	}

	reachableData := make(map[uint32]uint32) // data block -> owning inode
	for ino := range referenced {
		in, err := fs.readInode(ino)
		if err != nil {
			return report, err
		}
		needed := ceilBlocks(in.Size)
		var found uint32
		for k := uint32(0); k < needed; k++ {
			localIdx, ok, err := fs.blockIndexFor(in, k)
			if err != nil {
				return report, err
			}
			if !ok {
				report.Violations = append(report.Violations,
					fmt.Sprintf("inode %d: block %d is within size but unallocated", ino, k))
				continue
			}
			found++
			if owner, dup := reachableData[localIdx]; dup {
				report.Violations = append(report.Violations,
					fmt.Sprintf("data block %d is reachable from both inode %d and inode %d", localIdx, owner, ino))
				continue
			}
			reachableData[localIdx] = ino

			set, err := bitIsSet(fs.cache, fs.dataBitmapRegion(), localIdx)
			if err != nil {
				return report, err
			}
			if !set {
				report.Violations = append(report.Violations,
					fmt.Sprintf("data block %d is reachable from inode %d but its data-bitmap bit is clear", localIdx, ino))
			}
		}
		if found != needed {
			report.Violations = append(report.Violations,
				fmt.Sprintf("inode %d: size %d requires %d blocks but only %d are reachable", ino, in.Size, needed, found))
		}

		// Indirection (spine) blocks are reachable from the inode too.
		if idx, ok := decodePointer(in.Indirect); ok {
			reachableData[idx] = ino
		}
		for _, raw := range in.DIndirect {
			if root, ok := decodePointer(raw); ok {
				reachableData[root] = ino
				for outer := uint32(0); outer < PointersPerBlock; outer++ {
					leafRaw, err := fs.readSpineEntry(root, outer)
					if err != nil {
						return report, err
					}
					if leaf, ok := decodePointer(leafRaw); ok {
						reachableData[leaf] = ino
					}
				}
			}
		}
	}

	for i := uint32(0); i < fs.geom.dataBlockCount; i++ {
		set, err := bitIsSet(fs.cache, fs.dataBitmapRegion(), i)
		if err != nil {
			return report, err
		}
		if set {
			if _, ok := reachableData[i]; !ok {
				report.Violations = append(report.Violations,
					fmt.Sprintf("data block %d has its bitmap bit set but is unreachable from any inode", i))
			}
		}
	}

	return report, nil
}
