package logger

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so connection and
// call records can be aggregated and queried uniformly.
const (
	// Connection
	KeyScheme = "scheme" // Transport scheme: keel, keel+ssh, keel+http, sftp
	KeyHost   = "host"   // Remote host
	KeyPort   = "port"   // Remote port
	KeyUser   = "user"   // Username used for the connection
	KeyVendor = "vendor" // SSH vendor: openssh, sshcorp, plink, paramiko-style

	// Smart protocol
	KeyMethod   = "method"   // Smart protocol method name
	KeyStatus   = "status"   // Response status verb
	KeyBodyLen  = "body_len" // Request or response body length in bytes
	KeyArgCount = "args"     // Number of request arguments

	// Paths and I/O
	KeyPath      = "path"       // Transport-relative path
	KeyOldPath   = "old_path"   // Source path for rename
	KeyNewPath   = "new_path"   // Destination path for rename
	KeyOffset    = "offset"     // Byte offset for readv requests
	KeyLength    = "length"     // Byte count requested
	KeyBytesRead = "bytes_read" // Actual bytes read

	// Readv engine
	KeyRequests  = "requests"  // Number of caller offset requests
	KeyCoalesced = "coalesced" // Number of coalesced ranges
	KeyChunks    = "chunks"    // Number of wire chunks issued
	KeyRounds    = "rounds"    // Number of network round trips

	// Locks
	KeyToken = "token" // Lock token (opaque)

	// Generic
	KeyError      = "error"       // Error message
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
)
