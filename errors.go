package imagecache

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/agentuity/imagecache/downloader"
)

// ErrNotFound is returned for an OnlyFromCache retrieval that misses.
var ErrNotFound = errors.New("imagecache: not found in cache")

// ErrCancelled is returned to a caller whose retrieval was cancelled. It is
// the downloader's sentinel, re-exported for callers of this package.
var ErrCancelled = downloader.ErrCancelled

// ErrProcessing marks failures from the processing pipeline. Match with
// errors.Is.
var ErrProcessing = errors.New("imagecache: processing failed")

// ProtocolError is the downloader's non-2xx failure, re-exported so callers
// can match it without importing the downloader package.
type ProtocolError = downloader.ProtocolError

// Kind buckets an error into the retrieval failure taxonomy.
type Kind int

const (
	KindTransport Kind = iota
	KindProtocol
	KindCache
	KindProcessing
	KindCancelled
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindCache:
		return "cache"
	case KindProcessing:
		return "processing"
	case KindCancelled:
		return "cancelled"
	case KindNotFound:
		return "not-found"
	default:
		return "transport"
	}
}

// Classify buckets err. Anything unrecognized is a transport failure, the
// retryable default.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrProcessing):
		return KindProcessing
	}
	var perr *downloader.ProtocolError
	if errors.As(err, &perr) {
		return KindProtocol
	}
	return KindTransport
}
