package filecheck

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Sniffer determines a content type from a leading sample of file bytes.
// The declared (client-supplied) type is never trusted.
type Sniffer interface {
	Sniff(sample []byte) (string, error)
}

// ContentSniffer detects MIME types from magic bytes via the mimetype library.
type ContentSniffer struct{}

// Sniff implements Sniffer. The result is the bare media type without
// parameters ("text/plain", not "text/plain; charset=utf-8").
func (ContentSniffer) Sniff(sample []byte) (string, error) {
	mt := mimetype.Detect(sample)
	ct, _, _ := strings.Cut(mt.String(), ";")
	return strings.TrimSpace(ct), nil
}
