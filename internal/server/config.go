package server

// Config carries the command-line-derived settings a server process needs
// to bind a listener, locate its snapshot file, and decide whether it runs
// as a master or as a replica of another instance.
type Config struct {
	Host string
	Port int

	// Dir and DBFilename locate the on-disk snapshot loaded at startup.
	// Dir has no default: an empty Dir aborts startup.
	Dir        string
	DBFilename string

	// ReplicaOfHost/ReplicaOfPort are both set, or both empty. Non-empty
	// means this process runs in the replica role and streams from the
	// named master instead of accepting mutating commands directly.
	ReplicaOfHost string
	ReplicaOfPort string
}

// DefaultConfig returns the baseline a server process starts from before
// CLI flags are applied. Dir is intentionally left blank; New rejects a
// Config whose Dir is still empty.
func DefaultConfig() Config {
	return Config{
		Host:       "127.0.0.1",
		Port:       6379,
		DBFilename: "rds",
	}
}

func (c Config) replicaOf() bool {
	return c.ReplicaOfHost != "" && c.ReplicaOfPort != ""
}
