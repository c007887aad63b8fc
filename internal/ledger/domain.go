package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/penbosso/IntLearn-sub000/internal/shared"
)

// AccountType distinguishes ordinary accounts from customer receivables.
type AccountType string

const (
	AccountTypeStandard   AccountType = "standard"
	AccountTypeReceivable AccountType = "receivable"
)

// AccountStatus enumerates account lifecycle values.
type AccountStatus string

const (
	AccountStatusOpen   AccountStatus = "open"
	AccountStatusClosed AccountStatus = "closed"
)

// TransactionType enumerates posting kinds.
type TransactionType string

const (
	TransactionIncome   TransactionType = "income"
	TransactionExpense  TransactionType = "expense"
	TransactionPayment  TransactionType = "payment"
	TransactionTransfer TransactionType = "transfer"
)

// Direction marks which side of a transfer a leg records.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Account is a named balance-bearing ledger entity.
type Account struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Balance       decimal.Decimal  `json:"balance"`
	Type          AccountType      `json:"type"`
	ParentID      *string          `json:"parentId,omitempty"`
	Status        AccountStatus    `json:"status"`
	InitialAmount *decimal.Decimal `json:"initialAmount,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	CreatedBy     string           `json:"createdBy"`
}

// IsRoot reports whether the account has no parent.
func (a Account) IsRoot() bool { return a.ParentID == nil || *a.ParentID == "" }

// Transaction is an immutable posting against one account.
type Transaction struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"accountId"`
	Type           TransactionType `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Note           string          `json:"note"`
	RunningBalance decimal.Decimal `json:"runningBalance"`
	TransferID     string          `json:"transferId,omitempty"`
	Direction      Direction       `json:"direction,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	CreatedBy      string          `json:"createdBy"`
	CreatedByName  string          `json:"createdByName"`
}

// SignedAmount is the balance delta the transaction applied.
func (t Transaction) SignedAmount() decimal.Decimal {
	switch t.Type {
	case TransactionExpense, TransactionPayment:
		return t.Amount.Neg()
	case TransactionTransfer:
		if t.Direction == DirectionOut {
			return t.Amount.Neg()
		}
		return t.Amount
	default:
		return t.Amount
	}
}

// TransferResult pairs the two legs of a transfer.
type TransferResult struct {
	TransferID string      `json:"transferId"`
	Debit      Transaction `json:"debit"`
	Credit     Transaction `json:"credit"`
}

// AccountNode is a root account with its direct children for tree display.
type AccountNode struct {
	Account  Account         `json:"account"`
	Children []Account       `json:"children"`
	Rollup   decimal.Decimal `json:"rollup"`
	// Orphaned is set for accounts whose parent no longer exists.
	Orphaned bool `json:"orphaned,omitempty"`
}

// Liquidity is the sum of balances over root standard accounts.
type Liquidity struct {
	Total    decimal.Decimal `json:"total"`
	Accounts int             `json:"accounts"`
	AsOf     time.Time       `json:"asOf"`
}

// Discrepancy is a transaction whose stored running balance disagrees with a replay.
type Discrepancy struct {
	TransactionID string          `json:"transactionId"`
	Expected      decimal.Decimal `json:"expected"`
	Recorded      decimal.Decimal `json:"recorded"`
}

// Verification is the result of replaying an account's transactions.
type Verification struct {
	AccountID     string          `json:"accountId"`
	Transactions  int             `json:"transactions"`
	Balance       decimal.Decimal `json:"balance"`
	Replayed      decimal.Decimal `json:"replayed"`
	Discrepancies []Discrepancy   `json:"discrepancies,omitempty"`
}

// Consistent reports whether the replay matched every snapshot and the balance.
func (v Verification) Consistent() bool {
	return len(v.Discrepancies) == 0 && v.Balance.Equal(v.Replayed)
}

var (
	// ErrAccountNotFound indicates the referenced account does not exist.
	ErrAccountNotFound = fmt.Errorf("ledger: account %w", shared.ErrNotFound)
	// ErrOverpayment indicates a settlement larger than the outstanding balance.
	ErrOverpayment = fmt.Errorf("ledger: payment exceeds outstanding balance: %w", shared.ErrUnprocessable)
	// ErrNotReceivable indicates a settlement against a non-receivable account.
	ErrNotReceivable = fmt.Errorf("ledger: account is not a receivable: %w", shared.ErrUnprocessable)
	// ErrNotStandard indicates a transfer touching a non-standard account.
	ErrNotStandard = fmt.Errorf("ledger: transfers require standard accounts: %w", shared.ErrUnprocessable)
	// ErrSameAccount indicates a transfer whose source and destination coincide.
	ErrSameAccount = errors.New("ledger: cannot transfer to the same account")
)

// ValidationError reports bad input for a single field.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: invalid %s: %s", e.Field, e.Reason)
}

// Unwrap exposes shared.ErrValidation and the specific cause, if any.
func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{shared.ErrValidation}
	}
	return []error{shared.ErrValidation, e.Err}
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ParseAmount parses a decimal string with at most two fractional digits.
func ParseAmount(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, invalid(field, "required")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, invalid(field, "must be a number")
	}
	if err := checkScale(field, d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

func checkScale(field string, d decimal.Decimal) error {
	if !d.Equal(d.Round(2)) {
		return invalid(field, "at most two decimal places")
	}
	return nil
}

func checkPositive(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return invalid(field, "must be greater than zero")
	}
	return checkScale(field, d)
}

// CreateAccountInput describes a new standard account.
type CreateAccountInput struct {
	Name           string
	InitialBalance decimal.Decimal
	ParentID       *string
}

// Validate ensures the input is complete.
func (in CreateAccountInput) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return invalid("name", "required")
	}
	if in.ParentID != nil && strings.TrimSpace(*in.ParentID) == "" {
		return invalid("parentId", "must not be blank")
	}
	return checkScale("initialBalance", in.InitialBalance)
}

// RecordTransactionInput describes a manual income or expense posting.
type RecordTransactionInput struct {
	AccountID string
	Type      TransactionType
	Amount    decimal.Decimal
	Note      string
}

// Validate ensures the input is complete.
func (in RecordTransactionInput) Validate() error {
	if in.AccountID == "" {
		return invalid("accountId", "required")
	}
	if in.Type != TransactionIncome && in.Type != TransactionExpense {
		return invalid("type", "must be income or expense")
	}
	if err := checkPositive("amount", in.Amount); err != nil {
		return err
	}
	if strings.TrimSpace(in.Note) == "" {
		return invalid("note", "required")
	}
	return nil
}

// CreateReceivableInput describes an invoice issued to a customer.
type CreateReceivableInput struct {
	CustomerName  string
	InvoiceAmount decimal.Decimal
	ParentID      string
}

// Validate ensures the input is complete.
func (in CreateReceivableInput) Validate() error {
	if strings.TrimSpace(in.CustomerName) == "" {
		return invalid("customerName", "required")
	}
	if strings.TrimSpace(in.ParentID) == "" {
		return invalid("parentId", "required")
	}
	return checkPositive("invoiceAmount", in.InvoiceAmount)
}

// SettleReceivableInput describes a customer payment.
type SettleReceivableInput struct {
	ReceivableID  string
	PaymentAmount decimal.Decimal
}

// Validate ensures the input is complete.
func (in SettleReceivableInput) Validate() error {
	if in.ReceivableID == "" {
		return invalid("receivableId", "required")
	}
	return checkPositive("paymentAmount", in.PaymentAmount)
}

// TransferInput moves money between two standard accounts.
type TransferInput struct {
	FromAccountID string
	ToAccountID   string
	Amount        decimal.Decimal
	Note          string
}

// Validate ensures the input is complete.
func (in TransferInput) Validate() error {
	if in.FromAccountID == "" {
		return invalid("fromAccountId", "required")
	}
	if in.ToAccountID == "" {
		return invalid("toAccountId", "required")
	}
	if in.FromAccountID == in.ToAccountID {
		return &ValidationError{Field: "toAccountId", Reason: "must differ from fromAccountId", Err: ErrSameAccount}
	}
	return checkPositive("amount", in.Amount)
}
