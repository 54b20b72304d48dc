package schema

// Metadata keys stamped on sessions and messages.
const (
	MetaSource     = "source"
	MetaRemoteAddr = "remote_addr"
	MetaUserAgent  = "user_agent"
)

// Values for MetaSource.
const (
	SourceHTTP      = "http"
	SourceWebSocket = "websocket"
	SourceCLI       = "cli"
)

// GetMetaString extracts a string from a metadata map. Returns "" if missing/not string.
func GetMetaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	val, ok := meta[key]
	if !ok {
		return ""
	}
	str, ok := val.(string)
	if !ok {
		return ""
	}
	return str
}

// Merge returns a new map holding base overlaid with extra. Empty string
// values in extra are skipped.
func Merge(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		out[k] = v
	}
	return out
}
