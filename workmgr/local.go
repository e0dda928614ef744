package workmgr

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wesim-project/wesim/cmn"
	"github.com/wesim-project/wesim/cmn/nlog"
	"github.com/wesim-project/wesim/particle"
)

// LocalManager is the reference WorkManager implementation: an in-process
// worker pool propagating segments concurrently via errgroup, adapted from
// the teacher's downloader.dispatcher (a job channel drained by per-mountpath
// joggers, guarded by a cmn.StopCh). Here there is one job kind (propagate
// a batch) and workers are plain goroutines bounded by a semaphore instead
// of one per mountpath, since a simulation segment has no mountpath
// affinity.
type LocalManager struct {
	propagate  Propagator
	workers    int
	log        *nlog.Logger

	mu      sync.Mutex
	stopCh  cmn.StopCh
	cancels []context.CancelFunc
}

var _ Manager = (*LocalManager)(nil)

// NewLocal builds a LocalManager that runs up to workers segments
// concurrently through fn.
func NewLocal(fn Propagator, workers int, log *nlog.Logger) *LocalManager {
	if workers <= 0 {
		workers = 1
	}
	return &LocalManager{propagate: fn, workers: workers, log: log, stopCh: cmn.NewStopCh()}
}

func (m *LocalManager) IsMaster() bool { return true }

// Propagate runs m.propagate over every segment, bounded to m.workers
// concurrent calls, and blocks until every call has returned. A segment
// whose Propagator call returns a genuine error is marked FAILED and its
// error logged; per-segment failures and cancellation are reported through
// each segment's status, so Propagate returns a nil error for any batch,
// matching spec §6 ("failed segments retain FAILED status" rather than
// aborting the batch). A
// segment still in flight when ctx is cancelled or Cancel is called is
// left RUNNING instead, so the driver can tell a timeout from a genuine
// propagation failure and retry it.
func (m *LocalManager) Propagate(ctx context.Context, segments []*particle.Segment) ([]*particle.Segment, error) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels = append(m.cancels, cancel)
	m.mu.Unlock()
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(m.workers)

	out := make([]*particle.Segment, len(segments))
	for i, seg := range segments {
		i, seg := i, seg
		g.Go(func() error {
			select {
			case <-m.stopCh.Listen():
				// Never dispatched: leave the segment at its incoming
				// status rather than an unassigned nil output slot.
				out[i] = seg
				return nil
			default:
			}
			seg.Status = particle.StatusRunning
			result, err := m.propagate(gctx, seg)
			if err != nil {
				if gctx.Err() != nil {
					// Cut short by Cancel or a context deadline, not a genuine
					// propagator failure: leave the segment RUNNING so the
					// driver can surface a Timeout and retry it later rather
					// than discarding its progress as FAILED.
					out[i] = seg
					return nil
				}
				seg.Status = particle.StatusFailed
				if m.log != nil {
					m.log.Warningf("segment %s: propagation failed: %v", seg.Ref(), err)
				}
				out[i] = seg
				return nil
			}
			result.Status = particle.StatusComplete
			out[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, cmn.Wrap(err, "propagating segment batch")
	}
	return out, nil
}

// Cancel aborts every in-flight Propagate call and stops this manager from
// dispatching any further segment. Propagate still returns the whole
// batch: segments cut short stay RUNNING, segments not yet dispatched keep
// their incoming status, and IterationDriver persists them as such.
func (m *LocalManager) Cancel() {
	m.stopCh.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cancels {
		c()
	}
}
