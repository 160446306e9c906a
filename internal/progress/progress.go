// Package progress reports upload progress. Storage drivers feed cumulative
// byte counts into a caller-supplied callback at bounded intervals, and the
// Reporter turns those counts into rate-limited log lines.
package progress

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultLogInterval is the default delay between progress log lines.
const DefaultLogInterval = 15 * time.Second

// callbackInterval bounds how often the Reader invokes its callback, so the
// callback overhead never dominates the transfer.
const callbackInterval = time.Second

// Func receives cumulative upload progress. total is <= 0 when the total
// size is unknown (e.g. a decompressing stream). Implementations must not
// block for more than a trivial amount of time.
type Func func(sent, total int64)

// Reporter accumulates byte counts for one upload and logs them at a
// bounded interval. Its Report method satisfies Func. It is safe for
// concurrent use.
type Reporter struct {
	container string
	object    string
	interval  time.Duration

	mu      sync.Mutex
	seen    int64
	total   int64
	lastLog time.Time
}

// NewReporter creates a Reporter for an upload into container/object.
// total <= 0 means the upload size is unknown and only absolute byte counts
// are logged.
func NewReporter(container, object string, total int64) *Reporter {
	return &Reporter{
		container: container,
		object:    object,
		total:     total,
		interval:  DefaultLogInterval,
	}
}

// SetInterval overrides the log interval. 0 logs on every report.
func (r *Reporter) SetInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interval = d
}

// Report records the cumulative number of bytes sent. It logs when the
// interval elapsed or, for determinate uploads, when the last byte arrived.
func (r *Reporter) Report(sent, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sent > r.seen {
		r.seen = sent
	}
	if total > 0 {
		r.total = total
	}

	now := time.Now()
	overdue := now.Sub(r.lastLog) >= r.interval
	done := r.total > 0 && r.seen >= r.total

	switch {
	case r.total > 0 && (done || overdue):
		percentage := float64(r.seen) / float64(r.total) * 100
		logrus.Infof("Bytes uploaded (%s/%s): %d/%d (%.2f%%)", r.container, r.object, r.seen, r.total, percentage)
		r.lastLog = now
	case r.total <= 0 && overdue:
		logrus.Infof("Bytes uploaded (%s/%s): %d", r.container, r.object, r.seen)
		r.lastLog = now
	}
}

// Seen returns the number of bytes reported so far.
func (r *Reporter) Seen() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen
}

// Done reports whether a determinate upload has seen all its bytes.
func (r *Reporter) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total > 0 && r.seen >= r.total
}

// Reader wraps an upload source and drives a Func with cumulative counts as
// the stream is consumed. Callbacks fire at most once per callbackInterval,
// plus once at the end of the stream.
type Reader struct {
	r     io.Reader
	fn    Func
	total int64

	mu       sync.Mutex
	seen     int64
	lastCall time.Time
}

// NewReader wraps r. total <= 0 means unknown size. fn may be nil, in which
// case the Reader only counts bytes.
func NewReader(r io.Reader, total int64, fn Func) *Reader {
	return &Reader{r: r, fn: fn, total: total}
}

func (cr *Reader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)

	cr.mu.Lock()
	cr.seen += int64(n)
	seen := cr.seen
	now := time.Now()
	fire := cr.fn != nil && (err == io.EOF ||
		(cr.total > 0 && seen >= cr.total) ||
		now.Sub(cr.lastCall) >= callbackInterval)
	if fire {
		cr.lastCall = now
	}
	cr.mu.Unlock()

	if fire {
		cr.fn(seen, cr.total)
	}
	return n, err
}

// Seen returns the number of bytes read so far.
func (cr *Reader) Seen() int64 {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.seen
}
