package shell

import (
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// NewDecoder wraps w so that raw process output arrives as valid UTF-8.
// Multi-byte sequences split across chunks are held back until complete and
// undecodable bytes become U+FFFD. Close flushes whatever is still pending.
func NewDecoder(w io.Writer) io.WriteCloser {
	return transform.NewWriter(w, unicode.UTF8.NewDecoder())
}

// DisplayText strips a single trailing newline, intermediate ones are kept verbatim
func DisplayText(s string) string {
	return strings.TrimSuffix(s, "\n")
}
