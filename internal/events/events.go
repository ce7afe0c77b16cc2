// Package events implements the named, typed broadcast channels of
// spec.md §4.8: subscribers register callbacks and receive a scoped
// subscription handle; emit is synchronous, in subscription order.
package events

import "sync"

// ConnectionReceived fires when a new ingress socket is accepted.
type ConnectionReceived struct{ SessionID uint64 }

// ConnectionVhostEstablished fires once the client's connection.open names a vhost.
type ConnectionVhostEstablished struct {
	SessionID uint64
	Vhost     string
}

// ConnectionEstablished fires once both legs complete their handshake.
type ConnectionEstablished struct{ SessionID uint64 }

// ConnectionFailed fires when a candidate backend connection attempt fails.
type ConnectionFailed struct{ Backend string }

// BrokerConnectionSnapped fires when the egress socket drops unexpectedly.
type BrokerConnectionSnapped struct{ SessionID uint64 }

// ClientConnectionSnapped fires when the ingress socket drops unexpectedly.
type ClientConnectionSnapped struct{ SessionID uint64 }

// CleanDisconnect fires when a session tears down without error.
type CleanDisconnect struct{ SessionID uint64 }

// StatisticsAvailable fires when the stats collector has a fresh snapshot ready.
type StatisticsAvailable struct{ Collector any }

// Subscription is a handle returned by Subscribe*; call Unsubscribe to
// stop receiving, matching spec.md §4.8's "scoped subscription handle".
type Subscription struct {
	unsubscribe func()
	once        sync.Once
}

// Unsubscribe removes the associated callback. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}

// Source is the process-wide event fan-out hub. The zero value is
// usable.
type Source struct {
	mu                         sync.Mutex
	connectionReceived         []func(ConnectionReceived)
	connectionVhostEstablished []func(ConnectionVhostEstablished)
	connectionEstablished      []func(ConnectionEstablished)
	connectionFailed           []func(ConnectionFailed)
	brokerConnectionSnapped    []func(BrokerConnectionSnapped)
	clientConnectionSnapped    []func(ClientConnectionSnapped)
	cleanDisconnect            []func(CleanDisconnect)
	statisticsAvailable        []func(StatisticsAvailable)
}

func subscribe[T any](s *Source, list *[]func(T), cb func(T)) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(*list)
	*list = append(*list, cb)
	return &Subscription{unsubscribe: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(*list) {
			(*list)[idx] = nil
		}
	}}
}

func emit[T any](s *Source, list []func(T), ev T) {
	s.mu.Lock()
	snapshot := make([]func(T), len(list))
	copy(snapshot, list)
	s.mu.Unlock()
	for _, cb := range snapshot {
		if cb != nil {
			cb(ev)
		}
	}
}

// SubscribeConnectionReceived registers a callback for ConnectionReceived events.
func (s *Source) SubscribeConnectionReceived(cb func(ConnectionReceived)) *Subscription {
	return subscribe(s, &s.connectionReceived, cb)
}

// EmitConnectionReceived synchronously invokes every subscriber in subscription order.
func (s *Source) EmitConnectionReceived(ev ConnectionReceived) {
	emit(s, s.connectionReceived, ev)
}

// SubscribeConnectionVhostEstablished registers a callback for ConnectionVhostEstablished events.
func (s *Source) SubscribeConnectionVhostEstablished(cb func(ConnectionVhostEstablished)) *Subscription {
	return subscribe(s, &s.connectionVhostEstablished, cb)
}

// EmitConnectionVhostEstablished synchronously invokes every subscriber in subscription order.
func (s *Source) EmitConnectionVhostEstablished(ev ConnectionVhostEstablished) {
	emit(s, s.connectionVhostEstablished, ev)
}

// SubscribeConnectionEstablished registers a callback for ConnectionEstablished events.
func (s *Source) SubscribeConnectionEstablished(cb func(ConnectionEstablished)) *Subscription {
	return subscribe(s, &s.connectionEstablished, cb)
}

// EmitConnectionEstablished synchronously invokes every subscriber in subscription order.
func (s *Source) EmitConnectionEstablished(ev ConnectionEstablished) {
	emit(s, s.connectionEstablished, ev)
}

// SubscribeConnectionFailed registers a callback for ConnectionFailed events.
func (s *Source) SubscribeConnectionFailed(cb func(ConnectionFailed)) *Subscription {
	return subscribe(s, &s.connectionFailed, cb)
}

// EmitConnectionFailed synchronously invokes every subscriber in subscription order.
func (s *Source) EmitConnectionFailed(ev ConnectionFailed) {
	emit(s, s.connectionFailed, ev)
}

// SubscribeBrokerConnectionSnapped registers a callback for BrokerConnectionSnapped events.
func (s *Source) SubscribeBrokerConnectionSnapped(cb func(BrokerConnectionSnapped)) *Subscription {
	return subscribe(s, &s.brokerConnectionSnapped, cb)
}

// EmitBrokerConnectionSnapped synchronously invokes every subscriber in subscription order.
func (s *Source) EmitBrokerConnectionSnapped(ev BrokerConnectionSnapped) {
	emit(s, s.brokerConnectionSnapped, ev)
}

// SubscribeClientConnectionSnapped registers a callback for ClientConnectionSnapped events.
func (s *Source) SubscribeClientConnectionSnapped(cb func(ClientConnectionSnapped)) *Subscription {
	return subscribe(s, &s.clientConnectionSnapped, cb)
}

// EmitClientConnectionSnapped synchronously invokes every subscriber in subscription order.
func (s *Source) EmitClientConnectionSnapped(ev ClientConnectionSnapped) {
	emit(s, s.clientConnectionSnapped, ev)
}

// SubscribeCleanDisconnect registers a callback for CleanDisconnect events.
func (s *Source) SubscribeCleanDisconnect(cb func(CleanDisconnect)) *Subscription {
	return subscribe(s, &s.cleanDisconnect, cb)
}

// EmitCleanDisconnect synchronously invokes every subscriber in subscription order.
func (s *Source) EmitCleanDisconnect(ev CleanDisconnect) {
	emit(s, s.cleanDisconnect, ev)
}

// SubscribeStatisticsAvailable registers a callback for StatisticsAvailable events.
func (s *Source) SubscribeStatisticsAvailable(cb func(StatisticsAvailable)) *Subscription {
	return subscribe(s, &s.statisticsAvailable, cb)
}

// EmitStatisticsAvailable synchronously invokes every subscriber in subscription order.
func (s *Source) EmitStatisticsAvailable(ev StatisticsAvailable) {
	emit(s, s.statisticsAvailable, ev)
}
