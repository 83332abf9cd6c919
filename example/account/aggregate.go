package main

import (
	"fmt"

	ges "github.com/mickamy/go-event-sourcing"
)

// Account is the aggregate root that enforces domain rules and emits events.
// It embeds ges.Base for the StreamID/Apply/Raise/Flush/Version boilerplate
// and supplies only the state transition function and command handling.
type Account struct {
	ges.Base

	owner   string
	balance int64
	opened  bool
}

// NewAccount wires the embedded Base's applier to this aggregate's state
// transitions. Callers must call this before Handle/Apply.
func NewAccount(accountID string) *Account {
	a := &Account{}
	a.Init("Account:"+accountID, a.apply)
	return a
}

func (a *Account) Balance() int64 { return a.balance }

func (a *Account) apply(p ges.Payload) {
	switch ev := p.(type) {
	case AccountOpened:
		a.owner = ev.Owner
		a.balance = ev.Initial
		a.opened = true
	case MoneyDeposited:
		a.balance += ev.Amount
	case MoneyWithdrawn:
		a.balance -= ev.Amount
	}
}

// Handle routes a command to domain logic and raises resulting events.
func (a *Account) Handle(cmd any) error {
	switch c := cmd.(type) {
	case OpenAccountCommand:
		if a.opened {
			return fmt.Errorf("account already opened")
		}
		if c.AccountID == "" {
			return fmt.Errorf("empty account id")
		}
		if c.Initial < 0 {
			return fmt.Errorf("initial balance cannot be negative")
		}
		a.Raise(AccountOpened{AccountID: c.AccountID, Owner: c.Owner, Initial: c.Initial})
		return nil

	case DepositCommand:
		if !a.opened {
			return fmt.Errorf("account not opened")
		}
		if c.Amount <= 0 {
			return fmt.Errorf("invalid deposit amount")
		}
		a.Raise(MoneyDeposited{Amount: c.Amount})
		return nil

	case WithdrawCommand:
		if !a.opened {
			return fmt.Errorf("account not opened")
		}
		if c.Amount <= 0 {
			return fmt.Errorf("invalid withdrawal amount")
		}
		if a.balance-c.Amount < 0 {
			return fmt.Errorf("insufficient funds")
		}
		a.Raise(MoneyWithdrawn{Amount: c.Amount})
		return nil
	}

	return fmt.Errorf("unknown command type %T", cmd)
}

var _ ges.Aggregate = (*Account)(nil)
