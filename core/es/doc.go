// Package es is the event sourcing core: aggregates rebuilt from their
// event history, a paginated reader and an optimistic append on top of a
// pluggable [EventLog], and catch-up subscriptions for read models.
//
// # Aggregates
//
// Entities are plain Go values. An [AggregateType] binds an entity type to
// its identity accessor and to one applier per event type:
//
//	accounts := es.MustAggregateType(
//	    es.AggregateConfig[*Account]{Identity: func(a *Account) string { return a.ID }},
//	    es.Apply(func(a *Account, e AccountCreated) { a.ID = e.ID }),
//	    es.Apply(func(a *Account, e FundsAdded) { a.Balance += e.Amount }),
//	)
//
// [Aggregate] wraps one entity with its version and the events raised but
// not yet persisted. Versions are 0-based; an aggregate without history is
// at [NoVersion].
//
// # Streams
//
// Events of one aggregate live in "{prefix.}{Type}-{id}". Backends also
// expose the category stream "$ce-{prefix.}{Type}" and the event type stream
// "$et-{EventType}". See [Naming].
//
// # Repository
//
// [Repository] loads aggregates page by page and saves pending events in one
// append checked against the version the aggregate was loaded at. A stale
// aggregate fails with [ErrConcurrencyConflict] and is not retried.
//
//	repo := es.NewRepository(log, accounts, es.WithPrefix("bank"))
//	acc, err := repo.GetByID(ctx, "acc-1")
//	_ = acc.Raise(FundsAdded{Amount: 100})
//	_, err = repo.Save(ctx, acc)
//
// # Subscriptions
//
// A [Subscriber] creates subscriptions that resume after their checkpoint,
// wait for streams that do not exist yet, and dispatch by event type:
//
//	sub, _ := subscriber.Category("Account", es.WithSubscriptionName("balances"))
//	es.On(sub, func(msg es.MsgCtx, e FundsAdded) error { ... })
//	_ = sub.Start(ctx)
//
// Delivery is at least once; handlers must tolerate redelivery after a
// restart or a failed feed.
package es
