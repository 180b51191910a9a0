package relay

import (
	"context"

	"hoyorelay/internal/ledger"
	logx "hoyorelay/pkg/logx"
)

// DefaultRetention is how many entries per author the sweeper keeps.
const DefaultRetention = 50

// Sweeper bounds ledger growth by keeping only the newest entries of every
// author. Entries are removed whole, delivery records included.
type Sweeper struct {
	ledger *ledger.Ledger
	log    logx.Logger
}

func NewSweeper(l *ledger.Ledger, log logx.Logger) *Sweeper {
	return &Sweeper{ledger: l, log: log.With(logx.String("comp", "relay.sweeper"))}
}

// Sweep trims every author to keep entries and returns how many were
// removed. A failure on one author is logged and the sweep goes on.
func (s *Sweeper) Sweep(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		keep = DefaultRetention
	}
	authors, err := s.ledger.Authors(ctx)
	if err != nil {
		s.log.Error("list authors failed", logx.Err(err))
		return 0, err
	}
	total := 0
	for _, a := range authors {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := s.ledger.Trim(ctx, a, keep)
		if err != nil {
			s.log.Warn("trim failed", logx.String("author_id", a), logx.Err(err))
			continue
		}
		if n > 0 {
			s.log.Debug("trimmed ledger", logx.String("author_id", a), logx.Int("removed", n))
		}
		total += n
	}
	s.log.Info("retention sweep done", logx.Int("authors", len(authors)), logx.Int("removed", total), logx.Int("keep", keep))
	return total, nil
}
