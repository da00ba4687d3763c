package go_otdoa

import "fmt"

// getMessageTypeName returns a human-readable name for queue message kinds.
// This is useful for dispatcher tracing and logging.
func getMessageTypeName(kind uint32) string {
	switch kind {
	case MSG_GET_ALMANAC:
		return "GetAlmanac"
	case MSG_GET_CONFIG:
		return "GetConfig"
	case MSG_UPLOAD_RESULTS:
		return "UploadResults"
	case MSG_TEST_AUTH:
		return "TestAuth"
	case MSG_REBIND:
		return "Rebind"
	case msgStop:
		return "Stop"
	default:
		if kind >= MSG_RS_BASE {
			return fmt.Sprintf("RS(0x%x)", kind)
		}
		return fmt.Sprintf("Unknown(%d)", kind)
	}
}
