package circuitbreaker

import "context"

// Publisher sends a keyed message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// GuardedPublisher routes every Publish through a CircuitBreaker.
type GuardedPublisher struct {
	breaker *CircuitBreaker
	next    Publisher
}

// Guard wraps next with breaker.
func Guard(breaker *CircuitBreaker, next Publisher) *GuardedPublisher {
	return &GuardedPublisher{breaker: breaker, next: next}
}

// Publish implements Publisher.
func (g *GuardedPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.Publish(ctx, topic, key, value)
	})
}
