// Package blockfetch resolves content keys against the local block store.
// It supplies the ClientStates a fetch.Getter drives: each state walks
// redirects, then assembles a splitfile or extracts an archive element.
package blockfetch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/meshfetch/internal/bucket"
	"github.com/tunnelmesh/meshfetch/internal/fetch"
	"github.com/tunnelmesh/meshfetch/internal/store"
)

// DefaultParallelism is the number of blocks of one splitfile fetched at
// once.
const DefaultParallelism = 8

// BlockSource is where blocks come from.
type BlockSource interface {
	Get(ctx context.Context, hash string) ([]byte, error)
}

// Factory creates block-fetch states. It implements fetch.StateFactory.
type Factory struct {
	source      BlockSource
	scheduler   *fetch.Scheduler
	temp        *bucket.TempFactory
	parallelism int
	logger      zerolog.Logger
}

// NewFactory creates a factory fetching from source. States run on
// scheduler; scratch buckets come from temp.
func NewFactory(source BlockSource, scheduler *fetch.Scheduler, temp *bucket.TempFactory, parallelism int) *Factory {
	if parallelism < 1 {
		parallelism = DefaultParallelism
	}
	return &Factory{
		source:      source,
		scheduler:   scheduler,
		temp:        temp,
		parallelism: parallelism,
		logger:      log.With().Str("component", "blockfetch").Logger(),
	}
}

// Create implements fetch.StateFactory. Keys that do not parse are reported
// as fetch.ErrMalformedKey.
func (f *Factory) Create(req *fetch.StateRequest) (fetch.ClientState, error) {
	key, err := store.ParseKey(req.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fetch.ErrMalformedKey, err)
	}
	return newState(f, req, key), nil
}
