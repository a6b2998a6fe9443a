package fs

// direntLocation pairs a decoded directory entry with its byte offset
// inside the root directory's content, so callers can rewrite it in
// place (used by Delete's swap-and-truncate).
type direntLocation struct {
	raw    RawDirent
	offset uint64
}

// forEachRootEntry walks every directory entry currently stored in the
// root directory's data, stopping early if visit returns stop=true.
func (fs *Filesystem) forEachRootEntry(visit func(loc direntLocation) (stop bool, err error)) error {
	count := fs.rootInode.Size / DirentSize
	buf := make([]byte, DirentSize)
	for i := uint32(0); i < count; i++ {
		offset := uint64(i) * DirentSize
		if _, err := fs.readAt(&fs.rootInode, offset, buf); err != nil {
			return err
		}
		raw, err := DecodeDirent(buf)
		if err != nil {
			return err
		}
		stop, err := visit(direntLocation{raw: raw, offset: offset})
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}
