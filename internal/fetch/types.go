// Package fetch drives a single logical content fetch to completion.
//
// A Getter owns one request. It asks a StateFactory for the first
// ClientState, schedules it, and absorbs the state's terminal callback:
// archive restarts are retried internally up to a bound, everything else is
// reported to the Client exactly once.
package fetch

import (
	"github.com/tunnelmesh/meshfetch/internal/bucket"
	"github.com/tunnelmesh/meshfetch/internal/config"
)

// Priority is a scheduling class. Lower values are served first.
type Priority int

// Priority classes.
const (
	PriorityMaximum Priority = iota
	PriorityInteractive
	PriorityImmediateSplitfile
	PriorityUpdate
	PriorityBulkSplitfile
	PriorityPrefetch
	PriorityMinimum

	numPriorities = int(PriorityMinimum) + 1
)

func (p Priority) valid() bool {
	return p >= PriorityMaximum && p <= PriorityMinimum
}

// Context carries the tunable limits of a request.
type Context struct {
	MaxNonSplitfileRetries   int
	MaxSplitfileBlockRetries int
	MaxArchiveRestarts       int
	MaxRedirects             int
	MaxOutputSize            int64

	// Events receives progress snapshots. Nil discards them.
	Events EventSink
}

// NewContext builds a Context from configuration.
func NewContext(cfg config.FetchConfig, events EventSink) *Context {
	return &Context{
		MaxNonSplitfileRetries:   cfg.MaxNonSplitfileRetries,
		MaxSplitfileBlockRetries: cfg.MaxSplitfileBlockRetries,
		MaxArchiveRestarts:       cfg.MaxArchiveRestarts,
		MaxRedirects:             cfg.MaxRedirects,
		MaxOutputSize:            cfg.MaxOutputSize.Bytes(),
		Events:                   events,
	}
}

// Metadata describes fetched data.
type Metadata struct {
	MIMEType string
}

// DefaultMIMEType is used when the content does not declare one.
const DefaultMIMEType = "application/octet-stream"

// Result is the outcome of a successful fetch.
type Result struct {
	Metadata Metadata
	Bucket   bucket.Bucket
}

// NewResult pairs data with its metadata.
func NewResult(meta Metadata, b bucket.Bucket) *Result {
	if meta.MIMEType == "" {
		meta.MIMEType = DefaultMIMEType
	}
	return &Result{Metadata: meta, Bucket: b}
}

// WithBucket returns a copy of r holding b instead.
func (r *Result) WithBucket(b bucket.Bucket) *Result {
	return &Result{Metadata: r.Metadata, Bucket: b}
}

// Size returns the size of the data.
func (r *Result) Size() int64 {
	if r.Bucket == nil {
		return 0
	}
	return r.Bucket.Size()
}
