package bus

import "github.com/nats-io/nats.go"

// natsSubscription adapts a *nats.Subscription so NATS and in-memory
// subscriptions tear down through the same Subscription interface.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
