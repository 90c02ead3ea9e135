package metrics

const (
	namespaceStateDB = "statedb"
)

const (
	subsystemOverlay = "overlay"
	subsystemPruning = "pruning"
	subsystemImport  = "import"
)
