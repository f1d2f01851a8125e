package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// contentRange is a parsed Content-Range header value. Start and End are -1
// for the unsatisfied form "bytes */total".
type contentRange struct {
	Start, End, Total int64
}

// parseContentRange parses "bytes start-end/total" and "bytes */total".
// An unknown total ("*") is an error since the caller needs the size.
func parseContentRange(v string) (contentRange, error) {
	unit, rest, ok := strings.Cut(strings.TrimSpace(v), " ")
	if !ok || !strings.EqualFold(unit, "bytes") {
		return contentRange{}, fmt.Errorf("unsupported content-range %q", v)
	}

	span, totalStr, ok := strings.Cut(strings.TrimSpace(rest), "/")
	if !ok {
		return contentRange{}, fmt.Errorf("malformed content-range %q", v)
	}

	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil || total <= 0 {
		return contentRange{}, fmt.Errorf("content-range %q has no usable total", v)
	}

	if span == "*" {
		return contentRange{Start: -1, End: -1, Total: total}, nil
	}

	startStr, endStr, ok := strings.Cut(span, "-")
	if !ok {
		return contentRange{}, fmt.Errorf("malformed content-range %q", v)
	}
	start, err1 := strconv.ParseInt(startStr, 10, 64)
	end, err2 := strconv.ParseInt(endStr, 10, 64)
	if err1 != nil || err2 != nil || start < 0 || end < start || end >= total {
		return contentRange{}, fmt.Errorf("malformed content-range %q", v)
	}

	return contentRange{Start: start, End: end, Total: total}, nil
}
