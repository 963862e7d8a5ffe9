package cmdproto

// copyWindow copies src into dst, skipping the first offset bytes of src and
// truncating to the destination. Handlers use it to fill bounded response
// windows from data that may be larger than the peer accepts. Returns the
// number of bytes copied; an offset past the end of src copies nothing.
func copyWindow(dst, src []byte, offset uint32) int {
	if int64(offset) >= int64(len(src)) {
		return 0
	}
	return copy(dst, src[offset:])
}
