package bitcoin

import (
	"net/http"
	"strings"
)

// keptHeaders is the fixed allow-list of response headers that survive
// Transform. Everything else (dates, server identifiers, connection
// management) is nondeterministic across nodes and is stripped.
var keptHeaders = map[string]bool{
	"content-type":   true,
	"content-length": true,
	"content-range":  true,
	"accept-ranges":  true,
}

// ShouldKeepHeader reports whether a response header survives Transform.
func ShouldKeepHeader(name string) bool {
	return keptHeaders[strings.ToLower(name)]
}

// Transform strips nondeterministic headers from an RPC response so that
// identical upstream answers compare byte-for-byte equal.
func Transform(header http.Header) http.Header {
	out := make(http.Header, len(keptHeaders))
	for name, values := range header {
		if !ShouldKeepHeader(name) {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}
