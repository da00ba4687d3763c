package go_otdoa

import "time"

// Library Version
const (
	LIBRARY_VERSION = "1.0.0"
	USER_AGENT      = "https_client/2.2.3"
	UPLOAD_AGENT    = "OTDOA/7.68.0"
)

// Session Buffer Sizes
//
// TLS sessions take an HTTPS_BUF_SIZE buffer since the modem's TLS record
// buffer is the limiting factor; plaintext sessions take HTTP_BUF_SIZE.
const (
	HTTP_BUF_SIZE  = 12288
	HTTPS_BUF_SIZE = 2048

	HTTP_RANGE_REQUEST_SIZE  = 12000
	HTTPS_RANGE_REQUEST_SIZE = 1500
	RANGE_REQUEST_HEADROOM   = 128

	HTTPS_RANGE_MAX_DEFAULT = 100000
)

// Server Defaults
const (
	HTTPS_PORT = 443
	HTTP_PORT  = 80

	DEFAULT_DOWNLOAD_HOST    = "hellaphy.cloud"
	DEFAULT_UPLOAD_URL       = "hellaphy.cloud"
	DEFAULT_FIRMWARE_VERSION = "h1.001"
	DEFAULT_ALMANAC_PATH     = "ubsa.bin"
	DEFAULT_CONFIG_PATH      = "config.bin"
	DEFAULT_STORAGE_URL      = "file:///var/lib/otdoa"
)

// Almanac Request Defaults
const (
	DEFAULT_UBSA_DLEARFCN = 5230
	DEFAULT_UBSA_RADIUS   = 100

	// COMPRESS_WINDOW_BITS is sent as compress_window; the sink window is 1<<bits.
	COMPRESS_WINDOW_BITS = 9

	TEST_AUTH_ECGI = 20357892
)

// Protocol Field Limits
const (
	URL_MAX_LEN        = 32
	UBSA_TOKEN_MAX_LEN = 64
	MAX_MEASURED_CELLS = 75
	ALGORITHM_NAME_MAX = 30

	PUBKEY_DER_LEN    = 91
	PUBKEY_LEN        = 65
	PUBKEY_DER_OFFSET = 26
	IV_LEN            = 16
)

// Blacklist and Config Cadence
const (
	BLACKLIST_SIZE            = 5
	DEFAULT_BLACKLIST_TIMEOUT = 10
	DEFAULT_CONFIG_INTERVAL   = 5
)

// Receive Polling
const (
	DEFAULT_RECV_RETRY_INTERVAL = 100 * time.Millisecond
	DEFAULT_RECV_RETRY_LIMIT    = 130
)

// Message Pool
const (
	MESSAGE_POOL_BLOCKS = 10
	MESSAGE_BLOCK_SIZE  = 1024
	MESSAGE_HEADER_SIZE = 8
)

// Dispatcher Queues
const (
	QUEUE_HTTP QueueID = iota
	QUEUE_RS
)

// Message Kinds
//
// Values share one id space with the RS state machine's messages; anything at
// or above MSG_RS_BASE belongs to the RS queue.
const (
	MSG_GET_ALMANAC    uint32 = 1
	MSG_GET_CONFIG     uint32 = 2
	MSG_UPLOAD_RESULTS uint32 = 3
	MSG_TEST_AUTH      uint32 = 4
	MSG_REBIND         uint32 = 5

	MSG_RS_BASE uint32 = 0x100
)

// Logger Level Constants
const (
	DEBUG   = 1 << 4
	INFO    = 1 << 5
	WARNING = 1 << 6
	ERROR   = 1 << 7
	FATAL   = 1 << 8
)
