package xprt

// Stats is a snapshot of a Transport's counters.
// The counters are for observability only.
type Stats struct {
	Sends             uint64
	Replies           uint64
	BadXIDs           uint64
	Retransmits       uint64
	MinorTimeouts     uint64
	MajorTimeouts     uint64
	Connects          uint64
	ConnectFailures   uint64
	ForcedDisconnects uint64
	IdleDisconnects   uint64
	BacklogWaits      uint64

	// queue lengths summed up at every completed send
	SendingQueueSum uint64
	PendingQueueSum uint64
	BacklogQueueSum uint64

	MaxSlotsSeen int

	// current values, filled in by Stats()
	Slots, FreeSlots, Reserved int
	Cwnd, Cong                 uint64
	Pending                    int
	ConnectGeneration          uint64
	State                      State
}

func (t *Transport) Stats() Stats {
	defer t.l.Lock().Unlock()
	s := t.stats
	s.Slots = t.numSlots
	s.FreeSlots = len(t.free)
	s.Reserved = t.reserved
	s.Cwnd = t.cwnd
	s.Cong = t.cong
	s.Pending = t.pending.len()
	s.ConnectGeneration = t.connectGen
	s.State = t.state
	return s
}

// CongestionWindow returns the window and the charged units in requests.
func (s Stats) CongestionWindow() (cwnd, cong float64) {
	return float64(s.Cwnd) / congScale, float64(s.Cong) / congScale
}
