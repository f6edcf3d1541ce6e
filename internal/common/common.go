package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey      = "X-API-Key"      // #nosec G101 - header name constant, not a credential
	HeaderAdminSecret = "X-Admin-Secret" // #nosec G101 - header name constant, not a credential
	HeaderUserID      = "X-User-ID"
	ContentTypeJSON   = "application/json"
	ContentTypeNDJSON = "application/x-ndjson"
)

// API paths
const (
	PathHealthz         = "/healthz"
	PathJobs            = "/v1/jobs"
	PathClips           = "/v1/clips"
	PathCredits         = "/v1/credits"
	PathProviderHook    = "/v1/callbacks/provider"
	PathRecovery        = "/internal/recovery"
	PathInternalJobs    = "/internal/jobs"
	PathInternalCredits = "/internal/credits"
	PathAssets          = "/assets/"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 128
	DefaultWorkerCount   = 4
	SQLiteBusyTimeoutMS  = 5000
)

// Clip batching limits
const (
	MaxBatchDurationSec     = 15.0
	MaxBatchClips           = 6
	DefaultClipDurationSec  = 5.0
	DefaultStaleClipMinutes = 30
)

// MIME types
const (
	MimeVideoMP4       = "video/mp4"
	MimeVideoQuickTime = "video/quicktime"
	MimeVideoWebM      = "video/webm"
	MimeOctetStream    = "application/octet-stream"
)

// Subdirectory names
const (
	AssetsDirName = "assets"
)

// Provider names
const (
	ProviderKling = "kling"
	ProviderMock  = "mock"
)

// Task names for the background scheduler.
const (
	TaskRecoverySweep = "recovery:sweep"
)
