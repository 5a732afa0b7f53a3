package config

import "time"

const (
	// Storage
	DefaultDBDriver   = "sqlite"
	DefaultSQLitePath = "grouparchive.db"

	// Account activity
	ActivityBackendDB         = "db"
	ActivityBackendRedis      = "redis"
	DefaultAccountActionLimit = 4

	// Downloads
	DefaultDownloadRoot       = "downloads"
	DefaultMaxAttachmentBytes = 50 << 20
	DefaultDownloadWorkers    = 3
	DefaultDownloadRetries    = 3

	// Pagination
	DefaultInterCallDelay = time.Second
	DefaultPageRetries    = 5

	DefaultCheckpointPath = "checkpoints.db"
	DefaultHTTPAddr       = ":8080"
	DefaultLogLevel       = "info"
)
