package limiter

// Storage types
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Keys of the built-in rules.
const (
	KeyCommandSync = "command.sync"
)
