package main

import (
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/standardbeagle/nit/internal/digest"
)

const timeRounding = time.Millisecond

// progressSink renders one terminal progress bar per in-flight download.
// The fetcher calls it from multiple goroutines, so bars are keyed by
// digest under a lock.
type progressSink struct {
	mu   sync.Mutex
	bars map[digest.Digest]*progressbar.ProgressBar
}

func newProgressSink() *progressSink {
	return &progressSink{bars: make(map[digest.Digest]*progressbar.ProgressBar)}
}

// Progress implements fetch.ProgressSink.
func (ps *progressSink) Progress(d digest.Digest, received, total int64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	bar, ok := ps.bars[d]
	if !ok {
		bar = progressbar.NewOptions64(total,
			progressbar.OptionSetDescription("fetch "+d.String()[:12]),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionThrottle(65*time.Millisecond),
		)
		ps.bars[d] = bar
	}
	_ = bar.Set64(received)
}

// Done implements fetch.ProgressSink.
func (ps *progressSink) Done(d digest.Digest, err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if bar, ok := ps.bars[d]; ok {
		_ = bar.Finish()
		delete(ps.bars, d)
	}
}
