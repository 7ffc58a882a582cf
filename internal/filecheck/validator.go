package filecheck

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/miradorsec/gatekeeper/internal/metrics"
)

// Check names carried by ValidationError.
const (
	CheckSize      = "size"
	CheckMIME      = "mime"
	CheckSignature = "signature"
)

// sampleLen is how many leading bytes are handed to the MIME sniffer.
const sampleLen = 2048

// ValidationError reports a failed validation check with a reason safe to
// show to the uploader.
type ValidationError struct {
	Check  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Config holds the validator's static configuration.
type Config struct {
	MaxBytes int64
	MinBytes int64
	// AllowedMIMETypes is the sniffed-type allow-set.
	AllowedMIMETypes []string
	// SignatureCheck enables the binary signature check.
	SignatureCheck bool
}

// Validator checks an upload's size, sniffed MIME type, and binary signature
// against static configuration. It holds no mutable state and is safe for
// concurrent use.
type Validator struct {
	maxBytes    int64
	minBytes    int64
	allowedMIME map[string]struct{}
	sigCheck    bool
	sniffer     Sniffer
}

// New creates a Validator using sniffer to detect content types.
func New(cfg Config, sniffer Sniffer) *Validator {
	allowed := make(map[string]struct{}, len(cfg.AllowedMIMETypes))
	for _, m := range cfg.AllowedMIMETypes {
		allowed[strings.ToLower(strings.TrimSpace(m))] = struct{}{}
	}
	return &Validator{
		maxBytes:    cfg.MaxBytes,
		minBytes:    cfg.MinBytes,
		allowedMIME: allowed,
		sigCheck:    cfg.SignatureCheck,
		sniffer:     sniffer,
	}
}

// Validate runs the size, MIME, and signature checks in order, stopping at
// the first failure. The read cursor is restored to the start regardless of
// outcome. A nil return means the file passed; a *ValidationError carries the
// failed check and reason; any other error is an I/O fault.
func (v *Validator) Validate(rs io.ReadSeeker, filename string) error {
	// Cursor restore is unconditional so later readers start at 0.
	defer func() { _, _ = rs.Seek(0, io.SeekStart) }()

	size, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("determine size: %w", err)
	}
	if verr := v.CheckSize(size); verr != nil {
		metrics.ValidationFailures.WithLabelValues(CheckSize).Inc()
		return verr
	}

	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind: %w", err)
	}
	sample := make([]byte, sampleLen)
	n, err := io.ReadFull(rs, sample)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return fmt.Errorf("read sample: %w", err)
	}
	sample = sample[:n]

	if verr := v.CheckMIME(sample); verr != nil {
		metrics.ValidationFailures.WithLabelValues(CheckMIME).Inc()
		return verr
	}

	if v.sigCheck {
		header := sample
		if len(header) > headerLen {
			header = header[:headerLen]
		}
		if verr := v.CheckSignature(header, filename); verr != nil {
			metrics.ValidationFailures.WithLabelValues(CheckSignature).Inc()
			return verr
		}
	}

	return nil
}

// CheckSize validates the byte length against the configured bounds.
func (v *Validator) CheckSize(size int64) *ValidationError {
	if size > v.maxBytes {
		return &ValidationError{
			Check:  CheckSize,
			Reason: fmt.Sprintf("file size exceeds the maximum allowed size (%s)", humanSize(v.maxBytes)),
		}
	}
	if v.minBytes > 0 && size < v.minBytes {
		return &ValidationError{
			Check:  CheckSize,
			Reason: fmt.Sprintf("file size is below the minimum allowed size (%s)", humanSize(v.minBytes)),
		}
	}
	return nil
}

// CheckMIME sniffs the sample's content type and validates it against the
// allow-set. A sniffer failure is reported as a validation error rather than
// propagated as a fault.
func (v *Validator) CheckMIME(sample []byte) *ValidationError {
	ct, err := v.sniffer.Sniff(sample)
	if err != nil {
		return &ValidationError{
			Check:  CheckMIME,
			Reason: fmt.Sprintf("unable to determine content type: %v", err),
		}
	}
	if _, ok := v.allowedMIME[strings.ToLower(ct)]; !ok {
		return &ValidationError{
			Check:  CheckMIME,
			Reason: fmt.Sprintf("file type %q is not allowed", ct),
		}
	}
	return nil
}

// CheckSignature matches the file header against the signatures registered
// for the filename's extension. Files without an extension, and extensions
// with no registered signature, pass vacuously.
func (v *Validator) CheckSignature(header []byte, filename string) *ValidationError {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return nil
	}
	sigs := SignaturesFor(ext)
	if len(sigs) == 0 {
		return nil
	}
	for _, sig := range sigs {
		if sig.Matches(header) {
			return nil
		}
	}
	return &ValidationError{
		Check:  CheckSignature,
		Reason: fmt.Sprintf("file signature does not match the expected format for .%s files", ext),
	}
}

// humanSize renders a byte count the way upload errors expect it ("10.0 MB").
func humanSize(n int64) string {
	const (
		kb = 1 << 10
		mb = 1 << 20
		gb = 1 << 30
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1f GB", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.1f MB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.1f KB", float64(n)/kb)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
