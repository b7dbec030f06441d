// Package domain is a small bank account model shared by tests, the example
// and the load generator.
package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/esrc/core/command"
	"github.com/codewandler/esrc/core/es"
)

const AccountType = "Account"

type Account struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	Balance int64  `json:"balance"`
	Closed  bool   `json:"closed"`
}

// === Events ===

type (
	AccountCreated struct {
		ID    string `json:"id"`
		Owner string `json:"owner"`
	}
	FundsAdded struct {
		Amount int64 `json:"amount"`
	}
	FundsWithdrawn struct {
		Amount int64 `json:"amount"`
	}
	AccountClosed struct {
		Reason string `json:"reason,omitempty"`
	}
)

func (e FundsAdded) Validate() error {
	if e.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

// NewAccountType defines the Account aggregate.
func NewAccountType(log *slog.Logger) *es.AggregateType[*Account] {
	return es.MustAggregateType(
		es.AggregateConfig[*Account]{
			Name:     AccountType,
			Identity: func(a *Account) string { return a.ID },
			Log:      log,
		},
		es.Apply(func(a *Account, e AccountCreated) {
			a.ID = e.ID
			a.Owner = e.Owner
		}),
		es.Apply(func(a *Account, e FundsAdded) { a.Balance += e.Amount }),
		es.Apply(func(a *Account, e FundsWithdrawn) { a.Balance -= e.Amount }),
		es.Apply(func(a *Account, _ AccountClosed) { a.Closed = true }),
	)
}

// === Commands ===

type (
	CreateAccount struct {
		es.MessageMeta
		AccountID string
		Owner     string
	}
	AddFunds struct {
		es.MessageMeta
		AccountID string
		Amount    int64
	}
	WithdrawFunds struct {
		es.MessageMeta
		AccountID string
		Amount    int64
	}
	CloseAccount struct {
		es.MessageMeta
		AccountID string
		Reason    string
	}
)

func (c CreateAccount) Validate() error {
	if c.Owner == "" {
		return errors.New("owner is required")
	}
	return nil
}

func (c AddFunds) Validate() error {
	if c.Amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", c.Amount)
	}
	return nil
}

func (c WithdrawFunds) Validate() error {
	if c.Amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", c.Amount)
	}
	return nil
}

var (
	ErrAccountExists  = errors.New("account already exists")
	ErrNoAccount      = errors.New("account does not exist")
	ErrAccountClosed  = errors.New("account is closed")
	ErrNotEnoughFunds = errors.New("insufficient funds")
)

func mustExist[C any](_ context.Context, a *Account, _ C) error {
	if a.ID == "" {
		return ErrNoAccount
	}
	return nil
}

func mustBeOpen[C any](_ context.Context, a *Account, _ C) error {
	if a.Closed {
		return ErrAccountClosed
	}
	return nil
}

// Commands binds the account commands to repo.
func Commands(repo *es.Repository[*Account]) []command.Option {
	return []command.Option{
		command.Handle(
			repo,
			func(c CreateAccount) string { return c.AccountID },
			func(_ context.Context, a *Account, c CreateAccount) (any, error) {
				if a.ID != "" {
					return nil, fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
				}
				return AccountCreated{ID: c.AccountID, Owner: c.Owner}, nil
			},
		),
		command.Handle(
			repo,
			func(c AddFunds) string { return c.AccountID },
			func(_ context.Context, _ *Account, c AddFunds) (any, error) {
				return FundsAdded{Amount: c.Amount}, nil
			},
			mustExist[AddFunds],
			mustBeOpen[AddFunds],
		),
		command.Handle(
			repo,
			func(c WithdrawFunds) string { return c.AccountID },
			func(_ context.Context, a *Account, c WithdrawFunds) (any, error) {
				if a.Balance < c.Amount {
					return nil, fmt.Errorf("%w: balance %d, requested %d", ErrNotEnoughFunds, a.Balance, c.Amount)
				}
				return FundsWithdrawn{Amount: c.Amount}, nil
			},
			mustExist[WithdrawFunds],
			mustBeOpen[WithdrawFunds],
		),
		command.Handle(
			repo,
			func(c CloseAccount) string { return c.AccountID },
			func(_ context.Context, a *Account, c CloseAccount) (any, error) {
				if a.Closed {
					return nil, nil
				}
				events := []any{}
				if a.Balance > 0 {
					events = append(events, FundsWithdrawn{Amount: a.Balance})
				}
				return append(events, AccountClosed{Reason: c.Reason}), nil
			},
			mustExist[CloseAccount],
		),
	}
}
