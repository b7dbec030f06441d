package es

import "context"

// Projection builds a read model from the events of a stream.
type Projection interface {
	// Name keys the subscription and its checkpoint.
	Name() string
	// Bind registers the projection's handlers on sub.
	Bind(sub *Subscription)
}

// Project subscribes p to stream under the projection's name and starts it.
func (s *Subscriber) Project(
	ctx context.Context,
	stream StreamDescriptor,
	p Projection,
	opts ...SubscriptionOption,
) (*Subscription, error) {
	opts = append([]SubscriptionOption{WithSubscriptionName(p.Name())}, opts...)
	sub, err := s.Subscribe(stream, opts...)
	if err != nil {
		return nil, err
	}
	p.Bind(sub)
	if err := sub.Start(ctx); err != nil {
		sub.Stop()
		return nil, err
	}
	return sub, nil
}
