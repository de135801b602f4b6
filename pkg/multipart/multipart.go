// Package multipart transcodes between a single multipart/related HTTP body
// and the individual binary objects it carries. Responses from real PACS
// implementations are not always canonically framed (bare LF separators,
// text preambles), so splitting tolerates both CRLF and LF header blocks.
package multipart

import (
	"bytes"
	"fmt"
	"mime"
	"strings"

	"github.com/google/uuid"
)

var (
	crlfSep = []byte("\r\n\r\n")
	lfSep   = []byte("\n\n")
)

// Split divides body on "--boundary" markers and returns the payload of each
// part. The segment before the first marker and the terminal "--boundary--"
// segment are message framing and are discarded. A part's payload starts
// after the first blank line following its boundary marker.
//
// Degraded input (no boundary occurrences, no header/body separator in any
// segment) yields zero parts, never an error.
func Split(body []byte, boundary string) [][]byte {
	if len(body) == 0 || boundary == "" {
		return nil
	}

	delim := []byte("--" + boundary)
	segments := bytes.Split(body, delim)
	if len(segments) < 3 {
		// Zero or one marker: nothing between an opening and closing boundary.
		return nil
	}

	var parts [][]byte
	for _, segment := range segments[1 : len(segments)-1] {
		payload, ok := payloadOf(segment)
		if !ok || len(payload) == 0 {
			continue
		}
		parts = append(parts, payload)
	}
	return parts
}

func payloadOf(segment []byte) ([]byte, bool) {
	if idx := bytes.Index(segment, crlfSep); idx >= 0 {
		return trimTrailingNewline(segment[idx+len(crlfSep):]), true
	}
	if idx := bytes.Index(segment, lfSep); idx >= 0 {
		return trimTrailingNewline(segment[idx+len(lfSep):]), true
	}
	return nil, false
}

// The line break before the next boundary marker belongs to the framing, not
// the payload. Exactly one is removed so Split(Join(x)) == x.
func trimTrailingNewline(payload []byte) []byte {
	if bytes.HasSuffix(payload, []byte("\r\n")) {
		return payload[:len(payload)-2]
	}
	if bytes.HasSuffix(payload, []byte("\n")) {
		return payload[:len(payload)-1]
	}
	return payload
}

// Join packages parts into one multipart/related body and returns it together
// with the generated boundary token. Each part is wrapped with a minimal
// header block declaring partContentType.
//
// The boundary is derived from a fresh UUID; if it happens to occur inside a
// payload a new one is generated. After a bounded number of attempts the last
// candidate is used anyway: the residual collision odds of a 32-hex-digit
// random token appearing in a payload are negligible.
func Join(parts [][]byte, partContentType string) (body []byte, boundary string) {
	boundary = newBoundary()
	for attempt := 0; attempt < 5 && collides(parts, boundary); attempt++ {
		boundary = newBoundary()
	}

	var buf bytes.Buffer
	for _, part := range parts {
		buf.WriteString("--")
		buf.WriteString(boundary)
		buf.WriteString("\r\nContent-Type: ")
		buf.WriteString(partContentType)
		buf.WriteString("\r\nContent-Length: ")
		fmt.Fprintf(&buf, "%d", len(part))
		buf.WriteString("\r\n\r\n")
		buf.Write(part)
		buf.WriteString("\r\n")
	}
	buf.WriteString("--")
	buf.WriteString(boundary)
	buf.WriteString("--")

	return buf.Bytes(), boundary
}

func newBoundary() string {
	return "relay." + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func collides(parts [][]byte, boundary string) bool {
	marker := []byte("--" + boundary)
	for _, part := range parts {
		if bytes.Contains(part, marker) {
			return true
		}
	}
	return false
}

// BoundaryFromContentType extracts the boundary parameter from a
// multipart/related Content-Type header value.
func BoundaryFromContentType(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("parsing content type %q: %w", contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("content type %q is not multipart", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return "", fmt.Errorf("content type %q has no boundary", contentType)
	}
	return boundary, nil
}

// RelatedContentType builds the Content-Type header value for a body produced
// by Join.
func RelatedContentType(boundary, partType string) string {
	return fmt.Sprintf(`multipart/related; type=%q; boundary=%s`, partType, boundary)
}

// IsMultipart reports whether the Content-Type names a multipart payload.
func IsMultipart(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(contentType), "multipart/")
	}
	return strings.HasPrefix(mediaType, "multipart/")
}
