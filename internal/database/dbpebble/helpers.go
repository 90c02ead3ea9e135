package dbpebble

// copyValue detaches v from pebble owned memory.
func copyValue(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
