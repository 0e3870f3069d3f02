package blockfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/meshfetch/internal/bucket"
	"github.com/tunnelmesh/meshfetch/internal/fetch"
	"github.com/tunnelmesh/meshfetch/internal/store"
	"github.com/tunnelmesh/meshfetch/internal/tracing"
)

// state fetches one key. It runs once, as a single scheduler job, and
// reports exactly one outcome to its callback.
type state struct {
	f      *Factory
	req    *fetch.StateRequest
	key    store.Key
	logger zerolog.Logger

	stop      context.Context
	cancel    context.CancelFunc
	scheduled atomic.Bool
}

func newState(f *Factory, req *fetch.StateRequest, key store.Key) *state {
	stop, cancel := context.WithCancel(context.Background())
	return &state{
		f:      f,
		req:    req,
		key:    key,
		logger: f.logger.With().Str("request", req.Parent.ID()).Logger(),
		stop:   stop,
		cancel: cancel,
	}
}

// Schedule implements fetch.ClientState. Only the first call submits work.
func (s *state) Schedule() {
	if !s.scheduled.CompareAndSwap(false, true) {
		return
	}
	err := s.f.scheduler.Submit(fetch.Job{
		Priority: s.req.Parent.Priority(),
		Token:    s.req.Parent.Token(),
		Run:      s.run,
	})
	if err != nil {
		s.cancel()
		s.req.Callback.OnFailure(fetch.WrapError(fetch.InternalError, err), s)
	}
}

// Cancel implements fetch.ClientState. A running fetch stops at its next
// block and reports Cancelled.
func (s *state) Cancel() {
	s.cancel()
}

func (s *state) run(jobCtx context.Context) {
	defer s.cancel()
	ctx, cancel := context.WithCancel(jobCtx)
	defer cancel()
	stop := context.AfterFunc(s.stop, cancel)
	defer stop()
	ctx, end := tracing.Task(ctx, "blockfetch", "request", s.req.Parent.ID(), "key", s.key.String())
	defer end()

	result, ferr := s.fetch(ctx)
	if ferr != nil {
		s.logger.Debug().Err(ferr).Str("key", s.key.String()).Msg("fetch state failed")
		s.req.Callback.OnFailure(ferr, s)
		return
	}
	s.req.Callback.OnSuccess(result, s)
}

// fetch follows redirects from the key's manifest until it reaches data.
func (s *state) fetch(ctx context.Context) (*fetch.Result, *fetch.Error) {
	hash, elemPath := s.key.Hash, s.key.Path
	redirects := 0
	for {
		if ctx.Err() != nil {
			return nil, fetch.NewError(fetch.Cancelled)
		}
		m, ferr := s.manifest(ctx, hash)
		if ferr != nil {
			return nil, ferr
		}

		switch m.Kind {
		case store.KindRedirect:
			redirects++
			if redirects > s.req.Context.MaxRedirects {
				return nil, fetch.Errorf(fetch.TooManyRedirects, "more than %d redirects", s.req.Context.MaxRedirects)
			}
			target, err := store.ParseKey(m.Target)
			if err != nil {
				return nil, fetch.WrapError(fetch.InvalidMetadata, err)
			}
			s.logger.Debug().Str("from", hash).Str("to", target.String()).Msg("following redirect")
			hash = target.Hash
			elemPath = joinPath(target.Path, elemPath)

		case store.KindSplitfile:
			if elemPath != "" {
				return nil, fetch.Errorf(fetch.TooManyPathComponents, "%q: content is not an archive", elemPath)
			}
			return s.fetchSplitfile(ctx, m)

		case store.KindArchive:
			if elemPath == "" {
				return nil, fetch.Errorf(fetch.NotEnoughPathComponents, "archive %s needs a path", hash)
			}
			return s.fetchElement(ctx, hash, elemPath, m)

		default:
			return nil, fetch.Errorf(fetch.UnknownMetadata, "manifest kind %s", m.Kind)
		}
	}
}

// manifest fetches and decodes one manifest block, counting it as a block
// of the request.
func (s *state) manifest(ctx context.Context, hash string) (*store.Manifest, *fetch.Error) {
	blocks := s.req.Parent.Blocks()
	blocks.AddBlock()
	data, err := s.getBlock(ctx, hash, s.req.MaxRetries)
	if err != nil {
		s.countFailure(ctx, err)
		return nil, s.blockError(ctx, err)
	}
	blocks.CompletedBlock(false)

	m, err := store.DecodeManifest(data)
	if err != nil {
		return nil, s.blockError(ctx, err)
	}
	return m, nil
}

func (s *state) fetchSplitfile(ctx context.Context, m *store.Manifest) (*fetch.Result, *fetch.Error) {
	if ferr := s.checkSize(m.Size); ferr != nil {
		return nil, ferr
	}

	out, own := s.req.ReturnBucket, false
	if out == nil || out.IsReadOnly() {
		tmp, err := s.f.temp.MakeBucket()
		if err != nil {
			return nil, fetch.WrapError(fetch.BucketError, err)
		}
		out, own = tmp, true
	}

	if ferr := s.assembleInto(ctx, m, out, true); ferr != nil {
		if own {
			out.Free()
		}
		return nil, ferr
	}
	return fetch.NewResult(fetch.Metadata{MIMEType: m.MIMEType}, out), nil
}

// fetchElement returns one file of an archive. An archive not yet unpacked
// by this request is unpacked and the fetch fails with ArchiveRestart; the
// next attempt finds the element in the archive context.
func (s *state) fetchElement(ctx context.Context, archiveHash, elemPath string, m *store.Manifest) (*fetch.Result, *fetch.Error) {
	elem, known := s.req.Archive.Element(archiveHash, elemPath)
	if !known {
		if ferr := s.unpack(ctx, archiveHash, m); ferr != nil {
			return nil, ferr
		}
		return nil, fetch.Errorf(fetch.ArchiveRestart, "unpacked archive %s", archiveHash)
	}
	if elem == nil {
		return nil, fetch.Errorf(fetch.NotInArchive, "%q (archive has %d entries)",
			elemPath, len(s.req.Archive.Elements(archiveHash)))
	}
	if ferr := s.checkSize(elem.Size()); ferr != nil {
		return nil, ferr
	}

	meta := fetch.Metadata{MIMEType: mime.TypeByExtension(path.Ext(elemPath))}
	if s.req.ReturnBucket != nil {
		return fetch.NewResult(meta, elem), nil
	}

	// The element points into archive data released when the request ends.
	out, err := s.f.temp.MakeBucket()
	if err != nil {
		return nil, fetch.WrapError(fetch.BucketError, err)
	}
	if _, err := bucket.Copy(out, elem); err != nil {
		out.Free()
		return nil, fetch.WrapError(fetch.BucketError, err)
	}
	return fetch.NewResult(meta, out), nil
}

func (s *state) unpack(ctx context.Context, archiveHash string, m *store.Manifest) *fetch.Error {
	if ferr := s.checkSize(m.Size); ferr != nil {
		return ferr
	}
	data, err := s.f.temp.MakeBucket()
	if err != nil {
		return fetch.WrapError(fetch.BucketError, err)
	}
	if ferr := s.assembleInto(ctx, m, data, false); ferr != nil {
		data.Free()
		return ferr
	}
	data.SetReadOnly()

	r, err := data.InputStream()
	if err != nil {
		data.Free()
		return fetch.WrapError(fetch.BucketError, err)
	}
	var index map[string]store.Entry
	tracing.Region(ctx, "index-archive", func() {
		index, err = store.IndexArchive(r)
	})
	_ = r.Close()
	if err != nil {
		data.Free()
		return fetch.WrapError(fetch.ArchiveFailure, err)
	}

	elements := make(map[string]bucket.Bucket, len(index))
	for name, e := range index {
		elements[name] = bucket.NewFileSlice(data.File(), e.Offset, e.Size)
	}
	s.req.Archive.Store(archiveHash, data, elements)
	s.logger.Debug().Str("archive", archiveHash).Int("elements", len(elements)).Msg("unpacked archive")
	return nil
}

func (s *state) assembleInto(ctx context.Context, m *store.Manifest, out bucket.Bucket, finalize bool) *fetch.Error {
	w, err := out.OutputStream()
	if err != nil {
		return fetch.WrapError(fetch.BucketError, err)
	}
	ferr := s.assemble(ctx, m, w, finalize)
	if err := w.Close(); err != nil && ferr == nil {
		ferr = fetch.WrapError(fetch.BucketError, err)
	}
	return ferr
}

// assemble writes the data blocks of m to w in order. Blocks are fetched in
// windows of the factory's parallelism. When finalize is set the block set
// is declared complete before the first data block is requested.
func (s *state) assemble(ctx context.Context, m *store.Manifest, w io.Writer, finalize bool) *fetch.Error {
	blocks := s.req.Parent.Blocks()
	blocks.AddBlocks(len(m.Blocks))
	blocks.AddMustSucceedBlocks(len(m.Blocks))
	if finalize {
		s.req.Callback.OnBlockSetFinished(s)
	}

	retries := s.req.Context.MaxSplitfileBlockRetries
	var written int64
	for start := 0; start < len(m.Blocks); start += s.f.parallelism {
		end := min(start+s.f.parallelism, len(m.Blocks))
		window := make([][]byte, end-start)

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				data, err := s.getBlock(gctx, m.Blocks[i], retries)
				if err != nil {
					s.countFailure(gctx, err)
					return fmt.Errorf("block %d: %w", i, err)
				}
				blocks.CompletedBlock(false)
				window[i-start] = data
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return s.blockError(ctx, err)
		}

		for _, data := range window {
			if written+int64(len(data)) > m.Size {
				return fetch.Errorf(fetch.SplitfileError, "blocks exceed declared size %d", m.Size)
			}
			if _, err := w.Write(data); err != nil {
				return fetch.WrapError(fetch.BucketError, err)
			}
			written += int64(len(data))
		}
	}
	if written != m.Size {
		return fetch.Errorf(fetch.SplitfileError, "got %d bytes, manifest declares %d", written, m.Size)
	}
	return nil
}

// getBlock fetches a block, retrying up to retries more times.
func (s *state) getBlock(ctx context.Context, hash string, retries int) ([]byte, error) {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		var data []byte
		data, err = s.f.source.Get(ctx, hash)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil || errors.Is(err, store.ErrMalformedKey) {
			return nil, err
		}
		s.logger.Debug().Err(err).Str("block", hash).Int("attempt", attempt+1).Msg("block fetch failed")
	}
	return nil, err
}

func (s *state) countFailure(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	blocks := s.req.Parent.Blocks()
	if errors.Is(err, store.ErrBlockCorrupt) || errors.Is(err, store.ErrMalformedKey) {
		blocks.FatallyFailedBlock()
		return
	}
	blocks.FailedBlock()
}

func (s *state) checkSize(size int64) *fetch.Error {
	if limit := s.req.Context.MaxOutputSize; limit > 0 && size > limit {
		return fetch.Errorf(fetch.TooBig, "%d bytes exceeds limit of %d", size, limit)
	}
	return nil
}

// blockError classifies a block or manifest failure.
func (s *state) blockError(ctx context.Context, err error) *fetch.Error {
	switch {
	case ctx.Err() != nil:
		return fetch.NewError(fetch.Cancelled)
	case errors.Is(err, store.ErrBlockNotFound):
		return fetch.WrapError(fetch.DataNotFound, err)
	case errors.Is(err, store.ErrBlockCorrupt):
		return fetch.WrapError(fetch.BlockDecodeError, err)
	case errors.Is(err, store.ErrUnknownManifest):
		return fetch.WrapError(fetch.UnknownMetadata, err)
	case errors.Is(err, store.ErrInvalidManifest):
		return fetch.WrapError(fetch.InvalidMetadata, err)
	case errors.Is(err, store.ErrMalformedKey):
		return fetch.WrapError(fetch.InvalidMetadata, err)
	default:
		return fetch.WrapError(fetch.InternalError, err)
	}
}

func joinPath(prefix, rest string) string {
	switch {
	case prefix == "":
		return rest
	case rest == "":
		return prefix
	default:
		return prefix + "/" + rest
	}
}
