package constants

import "time"

// Network defaults
const (
	// DefaultIMPort is the port used when the configuration leaves it empty
	DefaultIMPort = 5222
	// MaxIMPort is the highest valid port number
	MaxIMPort = 65535
	// SessionName names the single login session the daemon keeps open
	SessionName = "imnotify-session"
)

// Timeouts and delays
const (
	// DefaultResolveTimeout bounds the wait for a directory answer
	DefaultResolveTimeout = 10 * time.Second
	// DefaultResolveRetryAfter is how long a failed lookup stays failed
	DefaultResolveRetryAfter = time.Minute
	// DefaultDeliveryGrace is the pause between sending and closing a conversation
	DefaultDeliveryGrace = 500 * time.Millisecond
	// DefaultConnectTimeout bounds a platform handshake during login
	DefaultConnectTimeout = 30 * time.Second
	// DirectoryLookupTimeout bounds one platform directory lookup; an expired
	// resolve keeps listening for its answer this long
	DirectoryLookupTimeout = 30 * time.Second
	// DefaultPollTimeout is the timeout for long polling operations
	DefaultPollTimeout = 60 * time.Second
	// HookHTTPTimeout is the timeout for requests to the hook server
	HookHTTPTimeout = 5 * time.Second
	// HookShutdownTimeout bounds the graceful stop of the hook server
	HookShutdownTimeout = 5 * time.Second
)

// Message length limits for different platforms
const (
	// MaxDiscordMessageLength is Discord's message character limit
	MaxDiscordMessageLength = 2000
	// MaxTelegramMessageLength is Telegram's message character limit
	MaxTelegramMessageLength = 4096
	// MaxFeishuMessageLength is Feishu's message character limit
	MaxFeishuMessageLength = 20000
	// MaxDingTalkMessageLength is DingTalk's message character limit
	MaxDingTalkMessageLength = 20000
)

// Hook server limits
const (
	// DefaultHookPort is the port of the build-event hook server
	DefaultHookPort = 8080
	// MaxHookBodyBytes caps the size of a notify request body
	MaxHookBodyBytes = 1 << 20
	// MaxNotifyTargets caps the number of targets in one notify request
	MaxNotifyTargets = 500
)

// Event dispatch
const (
	// EventQueueSize is the buffer of the per-session login event queue
	EventQueueSize = 16
	// DirectorySearchLimit caps the number of candidates a directory search returns
	DirectorySearchLimit = 10
)

// Secret masking
const (
	// MinSecretLengthForMasking is the minimum secret length to show any characters
	MinSecretLengthForMasking = 10
	// SecretMaskPrefixLength is the length of prefix to show before masking
	SecretMaskPrefixLength = 7
	// SecretMaskSuffixLength is the length of suffix to show after masking
	SecretMaskSuffixLength = 4
)

// Logging defaults
const (
	// DefaultLogMaxSize is the default maximum log file size in MB
	DefaultLogMaxSize = 100
	// DefaultLogMaxBackups is the default number of rotated files to keep
	DefaultLogMaxBackups = 5
	// DefaultLogMaxAge is the default maximum number of days to retain old logs
	DefaultLogMaxAge = 30
)

// Journal
const (
	// DefaultRecentJournalEntries is the default page size of journal reads
	DefaultRecentJournalEntries = 20
	// MaxRecentJournalEntries caps journal reads
	MaxRecentJournalEntries = 1000
)
