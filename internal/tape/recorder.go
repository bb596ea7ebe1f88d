package tape

import (
	"marketsim/internal/clock"
	"marketsim/internal/market"

	"github.com/rs/zerolog"
)

// Recorder subscribes to markets without delay and writes every update to a
// tape: the update's transactions first, then its quote.
type Recorder struct {
	w   *Writer
	log zerolog.Logger
}

func NewRecorder(w *Writer, log zerolog.Logger) *Recorder {
	return &Recorder{w: w, log: log}
}

// Attach subscribes the recorder to m.
func (r *Recorder) Attach(m *market.Market) error {
	return m.Subscribe(clock.Immediate, r)
}

func (r *Recorder) Deliver(now clock.TimeStamp, u market.Update) {
	if r.w.Err() != nil {
		return
	}
	for _, tx := range u.Transactions {
		if err := r.w.WriteTransaction(tx); err != nil {
			r.log.Error().Err(err).Stringer("time", now).Msg("unable to record transaction")
			return
		}
	}
	if err := r.w.WriteQuote(u.Quote); err != nil {
		r.log.Error().Err(err).Stringer("time", now).Msg("unable to record quote")
	}
}

// Err returns the first write error, after which nothing more is recorded.
func (r *Recorder) Err() error { return r.w.Err() }
