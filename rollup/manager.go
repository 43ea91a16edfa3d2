package rollup

import (
	"time"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/store"
)

// Config mirrors the `rollups.*` tunables in spec.md §6.5.
type Config struct {
	CacheTTL              time.Duration
	CacheMaxEntries       int
	RecalcDepthThreshold  int
	RecalcChildThreshold  int
	MaxCascadeDepth       int
	QueueWorkers          int
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:             cmn.DefaultCacheTTL,
		CacheMaxEntries:      cmn.DefaultCacheMaxEntries,
		RecalcDepthThreshold: cmn.DefaultRecalcDepthThreshold,
		RecalcChildThreshold: cmn.DefaultRecalcChildThreshold,
		MaxCascadeDepth:      cmn.DefaultMaxCascadeDepth,
		QueueWorkers:         cmn.DefaultRollupQueueWorkers,
	}
}

// Manager is the Rollup Manager (spec.md §4.D): GetRollupSummary serves
// reads cache-first, ApplyDelta/Cascade fold a signed delta into one or
// more ancestor directories within the orchestrator's already-open
// transaction, and Recalculate recomputes a directory's aggregate from its
// direct children when a cascade runs past the depth/fanout threshold.
type Manager struct {
	st    *store.Store
	cache *cache
	cfg   Config

	deferred chan string
	wg       *cmn.LimitedWaitGroup
	stopCh   *cmn.StopCh
}

func NewManager(st *store.Store, cfg Config) *Manager {
	return &Manager{
		st:       st,
		cache:    newCache(cfg.CacheTTL, cfg.CacheMaxEntries),
		cfg:      cfg,
		deferred: make(chan string, 4096),
		wg:       cmn.NewLimitedWaitGroup(cfg.QueueWorkers),
		stopCh:   cmn.NewStopCh(),
	}
}

// Start launches the background deferred-recompute consumer. Stop must be
// called on shutdown to release its goroutine.
func (m *Manager) Start() {
	go m.runDeferredWorker()
}

func (m *Manager) Stop() {
	m.stopCh.Close()
	m.wg.Wait()
}

func (m *Manager) runDeferredWorker() {
	for {
		select {
		case <-m.stopCh.Listen():
			return
		case nodeID := <-m.deferred:
			m.wg.Add(1)
			go func(id string) {
				defer m.wg.Done()
				_ = m.Recalculate(id)
			}(nodeID)
		}
	}
}

func (m *Manager) scheduleRecalculate(nodeID string) {
	select {
	case m.deferred <- nodeID:
	default:
		// queue saturated: this recompute request is dropped.
	}
}

// GetRollupSummary serves cache -> DB, per spec.md §4.D.
func (m *Manager) GetRollupSummary(nodeID string) (*cmn.Rollup, error) {
	if r, ok := m.cache.get(nodeID); ok {
		return &r, nil
	}
	var r *cmn.Rollup
	err := m.st.View(func(tx *store.Tx) error {
		var err error
		r, err = tx.GetRollup(nodeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.cache.set(nodeID, *r)
	return r, nil
}

// ApplyDelta folds delta into nodeID's rollup within tx and invalidates the
// cache entry - row lock first, then cache invalidation, per spec.md §5.
func (m *Manager) ApplyDelta(tx *store.Tx, nodeID string, delta cmn.RollupDelta, markPending bool) (*cmn.Rollup, error) {
	r, err := tx.ApplyRollupDelta(nodeID, delta, markPending)
	if err != nil {
		return nil, err
	}
	m.cache.invalidate(nodeID)
	return r, nil
}

// Cascade applies delta to nodeID and walks up the parent chain applying
// the same delta to every ancestor directory, up to cfg.MaxCascadeDepth
// levels. Past that depth, or once an ancestor's own child count exceeds
// RecalcChildThreshold, the remaining levels are marked `stale` and handed
// to the deferred recompute worker instead of being walked eagerly
// (spec.md §4.D "cache with TTL+size bound; cascades deltas; schedules
// recomputes").
func (m *Manager) Cascade(tx *store.Tx, startNodeID string, delta cmn.RollupDelta, markPending bool) error {
	if delta.IsZero() && !markPending {
		return nil
	}
	nodeID := startNodeID
	depth := 0
	for nodeID != "" {
		depth++
		node, err := tx.GetNodeByID(nodeID)
		if err != nil {
			if cmn.KindOf(err) == cmn.ErrNodeNotFound {
				return nil
			}
			return err
		}

		r, err := m.ApplyDelta(tx, nodeID, delta, markPending || depth > m.cfg.RecalcDepthThreshold)
		if err != nil {
			return err
		}

		pastFanout := r.ChildCount > int64(m.cfg.RecalcChildThreshold)
		pastDepth := depth >= m.cfg.MaxCascadeDepth

		if pastFanout || pastDepth {
			r.State = cmn.RollupStale
			if err := tx.PutRollup(r); err != nil {
				return err
			}
			m.cache.invalidate(nodeID)
			m.scheduleRecalculate(nodeID)
			if pastDepth {
				return nil
			}
		}

		nodeID = node.ParentID
	}
	return nil
}

// Recalculate recomputes nodeID's aggregate from scratch by summing its
// direct children (file sizes directly, subdirectory rollups recursively
// via their own stored aggregate), clamping the size total at >= 0 (the
// counts are sums of non-negative values).
func (m *Manager) Recalculate(nodeID string) error {
	return m.st.Update(func(tx *store.Tx) error {
		node, err := tx.GetNodeByID(nodeID)
		if err != nil {
			if cmn.KindOf(err) == cmn.ErrNodeNotFound {
				return nil
			}
			return err
		}
		if node.Kind != cmn.KindDirectory {
			return nil
		}

		page, err := tx.ListNodes(store.ListOptions{
			BackendMountID: node.BackendMountID,
			PathPrefix:     node.Path,
			DirectChildren: true,
			States:         []cmn.NodeState{cmn.StateActive, cmn.StateInconsistent, cmn.StateMissing},
			Limit:          100000,
		})
		if err != nil {
			return err
		}

		agg := cmn.Rollup{NodeID: nodeID, State: cmn.RollupUpToDate}
		for _, child := range page.Nodes {
			agg.ChildCount++
			switch child.Kind {
			case cmn.KindFile:
				agg.FileCount++
				agg.SizeBytes += child.SizeBytes
			case cmn.KindDirectory:
				agg.DirectoryCount++
				childRollup, err := tx.GetRollup(child.ID)
				if err != nil {
					return err
				}
				agg.SizeBytes += childRollup.SizeBytes
				agg.FileCount += childRollup.FileCount
				agg.DirectoryCount += childRollup.DirectoryCount
			}
		}
		if agg.SizeBytes < 0 {
			agg.SizeBytes = 0
		}

		if err := tx.PutRollup(&agg); err != nil {
			return err
		}
		m.cache.invalidate(nodeID)
		return nil
	})
}
