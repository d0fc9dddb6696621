package daemon

const (
	dbFilename = "dmapid.bolt"

	defaultMaxWaiters = 1024
)

const (
	schemaV0 uint32 = iota

	schemaLatest = schemaV0
)

var (
	metaBucket = []byte("meta")
	fsBucket   = []byte("fs")

	metaSchema = []byte("schema")
)
