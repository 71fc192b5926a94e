package sim

// CreditCounter tracks a producer's view of downstream buffer space. A
// producer must hold at least one credit before it sends; it decrements on
// send and increments whenever the consumer refunds credits (one per item
// consumed). Out-of-credits never drops data, it simply stalls the
// producer — the stall is counted by the caller, not signalled as an error.
type CreditCounter struct {
	credits int
}

// Add grants n additional credits (used for the consumer's startup grant
// and for later refunds).
func (c *CreditCounter) Add(n int) {
	c.credits += n
}

// Available reports the current credit balance.
func (c *CreditCounter) Available() int { return c.credits }

// CanSend reports whether at least one credit is held.
func (c *CreditCounter) CanSend() bool { return c.credits > 0 }

// Take consumes n credits. Callers must check CanSend (or Available >= n)
// first; Take on an empty counter is an invariant violation, not a stall.
func (c *CreditCounter) Take(n int) {
	c.credits -= n
}

// CreditPort is a Port[int] specialized for credit refunds: the consumer
// side calls Refund to send credits back upstream with the port's
// configured delay, and the producer side observes them via a
// CreditCounter fed by RegisterConsumerHandler.
type CreditPort struct {
	port *Port[int]
}

// NewCreditPort creates a credit-refund port with the given delay.
func NewCreditPort(s *Scheduler, delay uint64) *CreditPort {
	return &CreditPort{port: NewPort[int](s, delay)}
}

// BindCounter routes every credit arriving on this port into counter.Add.
func (cp *CreditPort) BindCounter(counter *CreditCounter) {
	cp.port.RegisterConsumerHandler(func(n int) {
		counter.Add(n)
	})
}

// Refund sends n credits upstream.
func (cp *CreditPort) Refund(n int) {
	if n <= 0 {
		return
	}
	cp.port.Send(n)
}
