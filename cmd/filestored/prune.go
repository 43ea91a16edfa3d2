package main

import (
	"time"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/store"
	"github.com/rs/zerolog"
)

// journalPruner periodically evicts terminal journal rows older than the
// configured retention window, the ticker-driven shape mirrored from
// reconcile.AuditScheduler (reconcile/audit.go) but sized down to the one
// store.Tx.PruneJournal call the journal.{retentionDays,pruneBatchSize,
// pruneIntervalMs} tunables (spec.md §6.5) need - not worth a standalone
// package for a single scheduled operation.
type journalPruner struct {
	st     *store.Store
	cfg    cmn.JournalConfig
	log    zerolog.Logger
	stopCh *cmn.StopCh
}

func newJournalPruner(st *store.Store, cfg cmn.JournalConfig, log zerolog.Logger) *journalPruner {
	return &journalPruner{st: st, cfg: cfg, log: log, stopCh: cmn.NewStopCh()}
}

func (p *journalPruner) Start() { go p.run() }

func (p *journalPruner) Stop() { p.stopCh.Close() }

func (p *journalPruner) run() {
	ticker := time.NewTicker(journalPruneInterval(p.cfg))
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh.Listen():
			return
		case <-ticker.C:
			if err := p.pruneOnce(); err != nil {
				p.log.Error().Err(err).Msg("journal prune")
			}
		}
	}
}

func (p *journalPruner) pruneOnce() error {
	retentionDays := p.cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = cmn.DefaultJournalRetentionDays
	}
	batch := p.cfg.PruneBatchSize
	if batch <= 0 {
		batch = cmn.DefaultJournalPruneBatch
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	n, err := 0, error(nil)
	err = p.st.Update(func(tx *store.Tx) error {
		var innerErr error
		n, innerErr = tx.PruneJournal(cutoff, batch)
		return innerErr
	})
	if err != nil {
		return err
	}
	if n > 0 {
		p.log.Info().Int("pruned", n).Msg("journal entries pruned")
	}
	return nil
}
