package config

type Config struct {
	// PageSize is the on-disk size of one encrypted page, including the
	// codec overhead (nonce + tag). Must be a power of two >= 512.
	PageSize int

	// TreeOrder bounds the number of children per internal B+Tree node.
	TreeOrder int

	// CacheSize is the number of decrypted pages kept in the LRU cache.
	CacheSize int

	WAL WALConfig
}

type WALConfig struct {
	// FsyncOnCommit syncs the log after every commit marker.
	FsyncOnCommit bool

	// CheckpointEveryFrames triggers an automatic checkpoint once the log
	// holds at least this many committed frames (0 disables).
	CheckpointEveryFrames int
}

func DefaultConfig() *Config {
	return &Config{
		PageSize:  4096,
		TreeOrder: 64,
		CacheSize: 256,
		WAL: WALConfig{
			FsyncOnCommit:         true,
			CheckpointEveryFrames: 2048,
		},
	}
}

// Valid reports whether the configuration is usable.
func (c *Config) Valid() bool {
	if c.PageSize < 512 || c.PageSize&(c.PageSize-1) != 0 {
		return false
	}
	if c.TreeOrder < 4 {
		return false
	}
	return c.CacheSize > 0
}
