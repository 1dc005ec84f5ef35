package slave

// DepositMailbox stores the most recent tx-mailbox fetch result for a
// protocol so FSMs that observed ForeignInFlight on the mailbox lock can
// consume it without issuing their own check+fetch (spec.md §4.I, §9).
func (s *Slave) DepositMailbox(proto uint8, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deposits == nil {
		s.deposits = make(map[uint8][]byte)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.deposits[proto] = cp
}

// TakeMailboxDeposit returns and clears the deposited payload for proto,
// if any (spec.md §4.I: "waiting FSMs observe buffer.payload_size > 0 and
// consume").
func (s *Slave) TakeMailboxDeposit(proto uint8) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.deposits[proto]
	if ok {
		delete(s.deposits, proto)
	}
	return payload, ok
}
