package timesync

// TickHandler runs once per tick, in subscription order.
type TickHandler func(tick NetworkTime)

type tickSubscription struct {
	id      int
	handler TickHandler
}

// NetworkTickSystem turns continuous local/server time into discrete ticks.
type NetworkTickSystem struct {
	TickRate uint32

	LocalTime  NetworkTime
	ServerTime NetworkTime

	nextSubscriptionId int
	subscribers        []tickSubscription
}

func NewNetworkTickSystem(tickRate uint32, localTimeSec, serverTimeSec float64) *NetworkTickSystem {
	return &NetworkTickSystem{
		TickRate:   tickRate,
		LocalTime:  NetworkTimeFromSeconds(tickRate, localTimeSec),
		ServerTime: NetworkTimeFromSeconds(tickRate, serverTimeSec),
	}
}

// Subscribe registers a handler and returns a function that removes it.
func (s *NetworkTickSystem) Subscribe(handler TickHandler) func() {
	s.nextSubscriptionId++
	id := s.nextSubscriptionId
	s.subscribers = append(s.subscribers, tickSubscription{id: id, handler: handler})

	return func() {
		for i, sub := range s.subscribers {
			if sub.id == id {
				s.subscribers = append(s.subscribers[:i:i], s.subscribers[i+1:]...)
				return
			}
		}
	}
}

// UpdateTick recomputes both times and fires the tick handlers once for each
// local tick boundary crossed since the previous call. Ticks never move
// backwards; a clock correction that lands behind the current tick only
// updates the sub-tick offset once time catches up. Returns the number of
// ticks fired.
func (s *NetworkTickSystem) UpdateTick(localTimeSec, serverTimeSec float64) int {
	newLocal := NetworkTimeFromSeconds(s.TickRate, localTimeSec)
	newServer := NetworkTimeFromSeconds(s.TickRate, serverTimeSec)

	if newServer.Tick >= s.ServerTime.Tick {
		s.ServerTime = newServer
	}

	if newLocal.Tick < s.LocalTime.Tick {
		return 0
	}

	fired := 0
	previousTick := s.LocalTime.Tick
	for tick := previousTick + 1; tick <= newLocal.Tick; tick++ {
		s.LocalTime = NetworkTime{TickRate: s.TickRate, Tick: tick}
		s.fire(s.LocalTime)
		fired++
	}
	s.LocalTime = newLocal

	return fired
}

func (s *NetworkTickSystem) fire(tick NetworkTime) {
	// Handlers may unsubscribe during the callback.
	subscribers := append([]tickSubscription{}, s.subscribers...)
	for _, sub := range subscribers {
		sub.handler(tick)
	}
}

// Reset moves both clocks back to zero. Only used when a session is reinitialized.
func (s *NetworkTickSystem) Reset(localTimeSec, serverTimeSec float64) {
	s.LocalTime = NetworkTimeFromSeconds(s.TickRate, localTimeSec)
	s.ServerTime = NetworkTimeFromSeconds(s.TickRate, serverTimeSec)
}
