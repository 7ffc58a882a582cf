package filecheck

import "bytes"

// headerLen is how many leading bytes signature matching inspects.
const headerLen = 32

// Signature is one binary signature for a file category. With a nil Suffix it
// matches as an exact prefix. With a non-nil Suffix it is a wildcard form: the
// Prefix must sit at offset 0 and the Suffix must occur anywhere in the
// remainder of the inspected header (RIFF container formats put their format
// tag after a variable-content length field).
type Signature struct {
	Prefix []byte
	Suffix []byte
}

// Matches reports whether header satisfies the signature.
func (s Signature) Matches(header []byte) bool {
	if !bytes.HasPrefix(header, s.Prefix) {
		return false
	}
	if s.Suffix == nil {
		return true
	}
	return bytes.Contains(header[len(s.Prefix):], s.Suffix)
}

// signatureTable maps a lowercase file extension (without dot) to its known
// signatures.
var signatureTable = map[string][]Signature{
	"jpg":  {{Prefix: []byte{0xFF, 0xD8, 0xFF}}},
	"jpeg": {{Prefix: []byte{0xFF, 0xD8, 0xFF}}},
	"png":  {{Prefix: []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}}},
	"gif": {
		{Prefix: []byte("GIF89a")},
		{Prefix: []byte("GIF87a")},
	},
	"webp": {{Prefix: []byte("RIFF"), Suffix: []byte("WEBP")}},
	"wav":  {{Prefix: []byte("RIFF"), Suffix: []byte("WAVE")}},
	"pdf":  {{Prefix: []byte("%PDF")}},
	"zip":  {{Prefix: []byte{0x50, 0x4B, 0x03, 0x04}}},
	"docx": {{Prefix: []byte{0x50, 0x4B, 0x03, 0x04}}},
	"xlsx": {{Prefix: []byte{0x50, 0x4B, 0x03, 0x04}}},
	"pptx": {{Prefix: []byte{0x50, 0x4B, 0x03, 0x04}}},
	"mp3":  {{Prefix: []byte("ID3")}},
	"rar":  {{Prefix: []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00}}},
	"gz":   {{Prefix: []byte{0x1F, 0x8B}}},
	"gzip": {{Prefix: []byte{0x1F, 0x8B}}},
}

// SignaturesFor returns the signatures registered for a lowercase extension
// (without the dot), or nil when the extension is unknown. Unknown extensions
// pass signature checking vacuously.
func SignaturesFor(ext string) []Signature {
	return signatureTable[ext]
}
