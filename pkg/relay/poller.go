package relay

import (
	"context"
	"time"

	"github.com/synaptica-ai/pacs-relay/pkg/common/logger"
	"github.com/synaptica-ai/pacs-relay/pkg/ledger"
)

// processor is the slice of the engine the poller needs.
type processor interface {
	Process(ctx context.Context, study StudyRef) error
	InFlight(uid string) bool
}

// Poller drives discovery: every interval it lists the source, filters out
// studies already committed or in flight, and hands the rest to the engine
// one at a time. A listing failure is a zero-study cycle, never a stop.
type Poller struct {
	lister   Lister
	engine   processor
	ledger   ledger.Ledger
	interval time.Duration
	pause    time.Duration
}

func NewPoller(lister Lister, engine processor, led ledger.Ledger, interval, pause time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		lister:   lister,
		engine:   engine,
		ledger:   led,
		interval: interval,
		pause:    pause,
	}
}

// Run loops until ctx is done. Cancellation is cooperative: it is checked
// between cycles and between studies, and the in-flight study finishes or
// fails naturally so a half-relayed study is never committed.
func (p *Poller) Run(ctx context.Context) {
	logger.Log.WithField("interval", p.interval.String()).Info("Study discovery poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("Study discovery poller stopped")
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	studies, err := p.lister.ListStudies(ctx)
	if err != nil {
		logger.Log.WithError(err).Warn("study listing failed, treating cycle as empty")
		return
	}

	fresh := 0
	for _, study := range studies {
		if ctx.Err() != nil {
			return
		}
		uid := study.StudyInstanceUID
		if uid == "" || p.ledger.Contains(uid) || p.engine.InFlight(uid) {
			continue
		}
		fresh++

		if err := p.engine.Process(ctx, study); err != nil {
			// Already logged by the engine; the study stays uncommitted and
			// will be rediscovered next cycle.
			continue
		}

		if p.pause > 0 {
			select {
			case <-time.After(p.pause):
			case <-ctx.Done():
				return
			}
		}
	}

	if fresh > 0 {
		logger.Log.WithField("studies", fresh).Info("Discovery cycle complete")
	}
}
