// Package processor defines the post-download transform chain. Every
// processor must be pure (same input, same output) and expose a stable
// identifier reflecting all of its parameters, because the identifier
// participates in cache key derivation: two processors with different
// parameters but identical identifiers silently collide in the cache.
package processor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// KeySeparator joins a base cache key with a processor chain digest.
const KeySeparator = "@"

// Processor is one pure payload transform.
type Processor interface {
	// Identifier returns a stable string covering the processor's full
	// parameter set.
	Identifier() string
	// Process transforms the payload. Returning an error means the payload
	// cannot be processed; nothing is cached for the request.
	Process(payload []byte) ([]byte, error)
}

// Pipeline is an ordered chain of processors. The zero value is the
// identity pipeline.
type Pipeline []Processor

// Identifier joins the stage identifiers in order. Empty for the identity
// pipeline.
func (p Pipeline) Identifier() string {
	if len(p) == 0 {
		return ""
	}
	ids := make([]string, len(p))
	for i, stage := range p {
		ids[i] = stage.Identifier()
	}
	return strings.Join(ids, "|")
}

// Process applies every stage in order. The first failing stage aborts the
// chain.
func (p Pipeline) Process(payload []byte) ([]byte, error) {
	var err error
	for _, stage := range p {
		payload, err = stage.Process(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "processor: stage %q failed", stage.Identifier())
		}
	}
	return payload, nil
}

// CacheKey derives the composite cache key for base processed by p. The
// identity pipeline returns base unchanged; otherwise a digest of the chain
// identifier is appended, keeping keys filename safe while staying distinct
// per parameter set.
func CacheKey(base string, p Pipeline) string {
	id := p.Identifier()
	if id == "" {
		return base
	}
	return fmt.Sprintf("%s%s%016x", base, KeySeparator, xxhash.Sum64String(id))
}

// Format is an image container format detected from magic bytes.
type Format string

const (
	FormatUnknown Format = "unknown"
	FormatPNG     Format = "png"
	FormatJPEG    Format = "jpeg"
	FormatGIF     Format = "gif"
	FormatWebP    Format = "webp"
)

var (
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	gifMagic  = []byte("GIF8")
	riffMagic = []byte("RIFF")
	webpMagic = []byte("WEBP")
)

// Sniff detects the image format from the payload's leading bytes.
func Sniff(payload []byte) Format {
	switch {
	case bytes.HasPrefix(payload, pngMagic):
		return FormatPNG
	case bytes.HasPrefix(payload, jpegMagic):
		return FormatJPEG
	case bytes.HasPrefix(payload, gifMagic):
		return FormatGIF
	case bytes.HasPrefix(payload, riffMagic) && len(payload) >= 12 && bytes.Equal(payload[8:12], webpMagic):
		return FormatWebP
	}
	return FormatUnknown
}

// SniffExtension returns the conventional file extension for the payload's
// sniffed format, or empty when the format is unknown. Suitable for deriving
// on-disk file names from payload content.
func SniffExtension(payload []byte) string {
	format := Sniff(payload)
	if format == FormatUnknown {
		return ""
	}
	return string(format)
}

type formatCheck struct {
	allowed []Format
}

// NewFormatCheck returns a Processor that passes payloads through untouched
// but fails any whose sniffed format is not in allowed. With no formats it
// requires only that the format is recognized.
func NewFormatCheck(allowed ...Format) Processor {
	return &formatCheck{allowed: allowed}
}

func (f *formatCheck) Identifier() string {
	ids := make([]string, len(f.allowed))
	for i, format := range f.allowed {
		ids[i] = string(format)
	}
	return "formatcheck(" + strings.Join(ids, ",") + ")"
}

func (f *formatCheck) Process(payload []byte) ([]byte, error) {
	format := Sniff(payload)
	if format == FormatUnknown {
		return nil, errors.New("processor: unrecognized image format")
	}
	if len(f.allowed) == 0 {
		return payload, nil
	}
	for _, allowed := range f.allowed {
		if format == allowed {
			return payload, nil
		}
	}
	return nil, errors.Newf("processor: format %s not allowed", format)
}

type sizeLimit struct {
	max int64
}

// NewSizeLimit returns a Processor that rejects payloads over max bytes.
func NewSizeLimit(max int64) Processor {
	return &sizeLimit{max: max}
}

func (s *sizeLimit) Identifier() string {
	return fmt.Sprintf("sizelimit(%d)", s.max)
}

func (s *sizeLimit) Process(payload []byte) ([]byte, error) {
	if int64(len(payload)) > s.max {
		return nil, errors.Newf("processor: payload of %d bytes exceeds limit of %d", len(payload), s.max)
	}
	return payload, nil
}
