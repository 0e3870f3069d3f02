package fetch

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/meshfetch/internal/metrics"
)

// Progress is a snapshot of a request's block accounting.
type Progress struct {
	Total         int  `json:"total"`
	Successful    int  `json:"successful"`
	Failed        int  `json:"failed"`
	FatallyFailed int  `json:"fatally_failed"`
	MinSuccess    int  `json:"min_success"`
	Finalized     bool `json:"finalized"`
}

// Fraction returns the completed share of the blocks that must succeed, or
// of all blocks when no minimum has been set.
func (p Progress) Fraction() float64 {
	want := p.MinSuccess
	if want == 0 {
		want = p.Total
	}
	if want == 0 {
		return 0
	}
	return min(float64(p.Successful)/float64(want), 1)
}

// BlockCounter accounts for the blocks of a request. Every change that the
// client should hear about triggers notify.
type BlockCounter struct {
	mu     sync.Mutex
	p      Progress
	notify func()
}

// newBlockCounter creates a counter that calls notify after changes.
func newBlockCounter(notify func()) *BlockCounter {
	return &BlockCounter{notify: notify}
}

// AddBlock adds one block to the total.
func (c *BlockCounter) AddBlock() {
	c.AddBlocks(1)
}

// AddBlocks adds n blocks to the total. Adding after BlockSetFinalized is an
// accounting bug in the caller; it is logged and counted anyway.
func (c *BlockCounter) AddBlocks(n int) {
	c.mu.Lock()
	if c.p.Finalized {
		log.Error().Int("blocks", n).Msg("adding blocks after block set finalized")
	}
	c.p.Total += n
	c.mu.Unlock()
}

// AddMustSucceedBlocks raises the number of blocks that must succeed.
func (c *BlockCounter) AddMustSucceedBlocks(n int) {
	c.mu.Lock()
	c.p.MinSuccess += n
	c.mu.Unlock()
}

// CompletedBlock records a fetched block. When dontNotify is set the client
// is not told, for callers that batch updates.
func (c *BlockCounter) CompletedBlock(dontNotify bool) {
	c.mu.Lock()
	c.p.Successful++
	c.mu.Unlock()
	recordBlock("succeeded")
	if !dontNotify {
		c.notify()
	}
}

// FailedBlock records a block that failed and will not be retried.
func (c *BlockCounter) FailedBlock() {
	c.mu.Lock()
	c.p.Failed++
	c.mu.Unlock()
	recordBlock("failed")
	c.notify()
}

// FatallyFailedBlock records a block that can never be fetched.
func (c *BlockCounter) FatallyFailedBlock() {
	c.mu.Lock()
	c.p.FatallyFailed++
	c.mu.Unlock()
	recordBlock("fatal")
	c.notify()
}

// BlockSetFinalized latches that no more blocks will be added.
func (c *BlockCounter) BlockSetFinalized() {
	c.mu.Lock()
	c.p.Finalized = true
	c.mu.Unlock()
	c.notify()
}

// Snapshot returns the current counts.
func (c *BlockCounter) Snapshot() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p
}

func recordBlock(outcome string) {
	if m := metrics.GetFetchMetrics(); m != nil {
		m.Blocks.WithLabelValues(outcome).Inc()
	}
}
