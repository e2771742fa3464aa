package signaling

import "github.com/mossy-p/roomlink/internal/models"

// maxSparse bounds how many out-of-order sequence numbers are remembered
// per sender before the oldest gap is given up as lost.
const maxSparse = 1024

// seqWindow remembers which sequence numbers of one sender session were
// seen: all numbers up to floor, plus the sparse set above it.
type seqWindow struct {
	epoch int64
	floor uint64
	above map[uint64]struct{}
}

// observe records seq and reports whether it was new.
func (w *seqWindow) observe(seq uint64) bool {
	if seq <= w.floor {
		return false
	}
	if _, ok := w.above[seq]; ok {
		return false
	}
	if w.above == nil {
		w.above = make(map[uint64]struct{})
	}
	w.above[seq] = struct{}{}

	for len(w.above) > maxSparse {
		lowest := seq
		for s := range w.above {
			if s < lowest {
				lowest = s
			}
		}
		delete(w.above, lowest)
		w.floor = lowest
	}
	for {
		if _, ok := w.above[w.floor+1]; !ok {
			break
		}
		delete(w.above, w.floor+1)
		w.floor++
	}
	return true
}

// dedup drops records already seen from the same sender. Windows outlive
// the sender's link, so a replayed backlog cannot revive an evicted peer.
// Sequence numbers restart with every sender session: a newer epoch
// replaces the window and records from an older epoch are dropped.
type dedup struct {
	senders map[models.ParticipantID]*seqWindow
}

func newDedup() *dedup {
	return &dedup{senders: make(map[models.ParticipantID]*seqWindow)}
}

func (d *dedup) observe(from models.ParticipantID, epoch int64, seq uint64) bool {
	w, ok := d.senders[from]
	switch {
	case !ok || epoch > w.epoch:
		w = &seqWindow{epoch: epoch}
		d.senders[from] = w
	case epoch < w.epoch:
		return false
	}
	return w.observe(seq)
}
