package dbpebble

const (
	SizeHash = 32
)

// Prefix Keys "K"
const (
	// content-addressed state nodes
	KNode = 0x01

	// engine journals and pointers
	KMeta = 0x02
)
