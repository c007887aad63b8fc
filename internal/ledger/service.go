package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/penbosso/IntLearn-sub000/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) (time.Time, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	ListTransactions(ctx context.Context, accountID string, descending bool) ([]Transaction, error)
	WatchAccounts(ctx context.Context) (<-chan AccountsUpdate, error)
}

// TxRepository is the transactional view handed to WithTx callbacks. Every
// read must precede the first write.
type TxRepository interface {
	GetAccount(ctx context.Context, id string) (Account, error)
	ListTransactions(ctx context.Context, accountID string) ([]Transaction, error)
	InsertAccount(a Account) error
	UpdateAccount(a Account) error
	InsertTransaction(t Transaction) error
	DeleteTransaction(accountID, txID string) error
	DeleteAccount(id string) error
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// EventPublisher fans committed ledger changes out to other systems.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// LiquidityCache memoises derived read models until the next Bump.
type LiquidityCache interface {
	BuildKey(ctx context.Context, parts ...string) (string, error)
	FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error
	Bump(ctx context.Context) error
}

// OpObserver records operation outcomes.
type OpObserver interface {
	ObserveLedgerOp(op string, err error)
}

// Routing keys for committed ledger events.
const (
	EventAccountCreated      = "ledger.account.created"
	EventTransactionRecorded = "ledger.transaction.recorded"
	EventReceivableCreated   = "ledger.receivable.created"
	EventReceivableSettled   = "ledger.receivable.settled"
	EventTransferCompleted   = "ledger.transfer.completed"
	EventAccountDeleted      = "ledger.account.deleted"
)

// Event is the payload published after a ledger mutation commits.
type Event struct {
	Name           string           `json:"event"`
	AccountID      string           `json:"accountId"`
	RelatedID      string           `json:"relatedAccountId,omitempty"`
	TransactionIDs []string         `json:"transactionIds,omitempty"`
	TransferID     string           `json:"transferId,omitempty"`
	Amount         decimal.Decimal  `json:"amount"`
	Balance        *decimal.Decimal `json:"balance,omitempty"`
	ActorID        string           `json:"actorId"`
	OccurredAt     time.Time        `json:"occurredAt"`
}

// Service coordinates account bookkeeping on top of the document store.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	events  EventPublisher
	cache   LiquidityCache
	metrics OpObserver
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{
		repo:   repo,
		audit:  audit,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithEvents attaches an event publisher.
func (s *Service) WithEvents(events EventPublisher) { s.events = events }

// WithCache attaches the liquidity cache.
func (s *Service) WithCache(cache LiquidityCache) { s.cache = cache }

// WithMetrics attaches an operation observer.
func (s *Service) WithMetrics(m OpObserver) { s.metrics = m }

// WithLogger overrides the logger.
func (s *Service) WithLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Service) observe(op string, err error) {
	if s.metrics != nil {
		s.metrics.ObserveLedgerOp(op, err)
	}
}

// CreateAccount creates a standard account, posting the opening balance as
// an income transaction when it is non-zero.
func (s *Service) CreateAccount(ctx context.Context, actor shared.Identity, input CreateAccountInput) (account Account, err error) {
	defer func() { s.observe("create_account", err) }()
	if err := input.Validate(); err != nil {
		return Account{}, err
	}
	account = Account{
		ID:        s.newID(),
		Name:      strings.TrimSpace(input.Name),
		Balance:   input.InitialBalance,
		Type:      AccountTypeStandard,
		ParentID:  input.ParentID,
		Status:    AccountStatusOpen,
		CreatedBy: actor.UID,
	}
	var opening *Transaction
	if !input.InitialBalance.IsZero() {
		opening = &Transaction{
			ID:             s.newID(),
			AccountID:      account.ID,
			Type:           TransactionIncome,
			Amount:         input.InitialBalance,
			Note:           "Initial balance",
			RunningBalance: input.InitialBalance,
			CreatedBy:      actor.UID,
			CreatedByName:  actor.DisplayName(),
		}
	}
	committed, err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if input.ParentID != nil {
			if _, err := tx.GetAccount(ctx, *input.ParentID); err != nil {
				return err
			}
		}
		if err := tx.InsertAccount(account); err != nil {
			return err
		}
		if opening != nil {
			return tx.InsertTransaction(*opening)
		}
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	account.CreatedAt = committed
	ev := Event{Name: EventAccountCreated, AccountID: account.ID, Amount: account.Balance, Balance: &account.Balance}
	if opening != nil {
		ev.TransactionIDs = []string{opening.ID}
	}
	s.afterCommit(ctx, actor, "ledger.account.create", "account", account.ID, map[string]any{
		"name":            account.Name,
		"initial_balance": account.Balance.StringFixed(2),
	}, ev)
	return account, nil
}

// RecordTransaction posts an income or expense on an account. Balances may go negative.
func (s *Service) RecordTransaction(ctx context.Context, actor shared.Identity, input RecordTransactionInput) (txn Transaction, err error) {
	defer func() { s.observe("record_transaction", err) }()
	if err := input.Validate(); err != nil {
		return Transaction{}, err
	}
	txn = Transaction{
		ID:            s.newID(),
		AccountID:     input.AccountID,
		Type:          input.Type,
		Amount:        input.Amount,
		Note:          strings.TrimSpace(input.Note),
		CreatedBy:     actor.UID,
		CreatedByName: actor.DisplayName(),
	}
	committed, err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.GetAccount(ctx, input.AccountID)
		if err != nil {
			return err
		}
		account.Balance = account.Balance.Add(txn.SignedAmount())
		txn.RunningBalance = account.Balance
		if err := tx.UpdateAccount(account); err != nil {
			return err
		}
		return tx.InsertTransaction(txn)
	})
	if err != nil {
		return Transaction{}, err
	}
	txn.CreatedAt = committed
	s.afterCommit(ctx, actor, "ledger.transaction.record", "account", txn.AccountID, map[string]any{
		"transaction_id": txn.ID,
		"type":           string(txn.Type),
		"amount":         txn.Amount.StringFixed(2),
	}, Event{
		Name:           EventTransactionRecorded,
		AccountID:      txn.AccountID,
		TransactionIDs: []string{txn.ID},
		Amount:         txn.SignedAmount(),
		Balance:        &txn.RunningBalance,
	})
	return txn, nil
}

// CreateReceivable opens a receivable under parentID and recognises the
// invoice as income on both the receivable and its parent.
func (s *Service) CreateReceivable(ctx context.Context, actor shared.Identity, input CreateReceivableInput) (receivable Account, err error) {
	defer func() { s.observe("create_receivable", err) }()
	if err := input.Validate(); err != nil {
		return Account{}, err
	}
	name := strings.TrimSpace(input.CustomerName)
	amount := input.InvoiceAmount
	parentID := input.ParentID
	receivable = Account{
		ID:            s.newID(),
		Name:          name,
		Balance:       amount,
		Type:          AccountTypeReceivable,
		ParentID:      &parentID,
		Status:        AccountStatusOpen,
		InitialAmount: &amount,
		CreatedBy:     actor.UID,
	}
	own := Transaction{
		ID:             s.newID(),
		AccountID:      receivable.ID,
		Type:           TransactionIncome,
		Amount:         amount,
		Note:           "Invoice issued to " + name,
		RunningBalance: amount,
		CreatedBy:      actor.UID,
		CreatedByName:  actor.DisplayName(),
	}
	onParent := Transaction{
		ID:            s.newID(),
		AccountID:     parentID,
		Type:          TransactionIncome,
		Amount:        amount,
		Note:          "Receivable: " + name,
		CreatedBy:     actor.UID,
		CreatedByName: actor.DisplayName(),
	}
	committed, err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		parent, err := tx.GetAccount(ctx, parentID)
		if err != nil {
			return err
		}
		parent.Balance = parent.Balance.Add(amount)
		onParent.RunningBalance = parent.Balance
		if err := tx.InsertAccount(receivable); err != nil {
			return err
		}
		if err := tx.InsertTransaction(own); err != nil {
			return err
		}
		if err := tx.UpdateAccount(parent); err != nil {
			return err
		}
		return tx.InsertTransaction(onParent)
	})
	if err != nil {
		return Account{}, err
	}
	receivable.CreatedAt = committed
	s.afterCommit(ctx, actor, "ledger.receivable.create", "account", receivable.ID, map[string]any{
		"parent_id":      parentID,
		"invoice_amount": amount.StringFixed(2),
	}, Event{
		Name:           EventReceivableCreated,
		AccountID:      receivable.ID,
		RelatedID:      parentID,
		TransactionIDs: []string{own.ID, onParent.ID},
		Amount:         amount,
		Balance:        &receivable.Balance,
	})
	return receivable, nil
}

// SettleReceivable records a customer payment. Once the balance reaches zero
// the receivable is closed in a separate write; the parent balance is never
// adjusted.
func (s *Service) SettleReceivable(ctx context.Context, actor shared.Identity, input SettleReceivableInput) (receivable Account, err error) {
	defer func() { s.observe("settle_receivable", err) }()
	if err := input.Validate(); err != nil {
		return Account{}, err
	}
	payment := Transaction{
		ID:            s.newID(),
		AccountID:     input.ReceivableID,
		Type:          TransactionPayment,
		Amount:        input.PaymentAmount,
		Note:          "Payment received",
		CreatedBy:     actor.UID,
		CreatedByName: actor.DisplayName(),
	}
	committed, err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.GetAccount(ctx, input.ReceivableID)
		if err != nil {
			return err
		}
		if account.Type != AccountTypeReceivable {
			return &ValidationError{Field: "receivableId", Reason: "account is not a receivable", Err: ErrNotReceivable}
		}
		if input.PaymentAmount.GreaterThan(account.Balance) {
			return &ValidationError{
				Field:  "paymentAmount",
				Reason: fmt.Sprintf("exceeds outstanding balance %s", account.Balance.StringFixed(2)),
				Err:    ErrOverpayment,
			}
		}
		account.Balance = account.Balance.Sub(input.PaymentAmount)
		payment.RunningBalance = account.Balance
		if err := tx.UpdateAccount(account); err != nil {
			return err
		}
		receivable = account
		return tx.InsertTransaction(payment)
	})
	if err != nil {
		return Account{}, err
	}
	payment.CreatedAt = committed
	if receivable.Balance.IsZero() {
		closed, err := s.closeReceivable(ctx, receivable.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "ledger: close settled receivable",
				slog.String("account_id", receivable.ID), slog.Any("error", err))
		} else if closed {
			receivable.Status = AccountStatusClosed
		}
	}
	s.afterCommit(ctx, actor, "ledger.receivable.settle", "account", receivable.ID, map[string]any{
		"transaction_id": payment.ID,
		"payment_amount": payment.Amount.StringFixed(2),
		"status":         string(receivable.Status),
	}, Event{
		Name:           EventReceivableSettled,
		AccountID:      receivable.ID,
		TransactionIDs: []string{payment.ID},
		Amount:         payment.Amount,
		Balance:        &receivable.Balance,
	})
	return receivable, nil
}

// closeReceivable marks an open zero-balance receivable closed. It reports
// whether this call performed the transition.
func (s *Service) closeReceivable(ctx context.Context, id string) (bool, error) {
	closed := false
	_, err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		closed = false
		account, err := tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		if account.Type != AccountTypeReceivable || account.Status != AccountStatusOpen || !account.Balance.IsZero() {
			return nil
		}
		account.Status = AccountStatusClosed
		closed = true
		return tx.UpdateAccount(account)
	})
	if err != nil {
		return false, err
	}
	return closed, nil
}

// CloseSettledReceivables closes every open receivable whose balance is zero,
// recovering from a crash between settlement and the close write.
func (s *Service) CloseSettledReceivables(ctx context.Context) (int, error) {
	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, a := range accounts {
		if a.Type != AccountTypeReceivable || a.Status != AccountStatusOpen || !a.Balance.IsZero() {
			continue
		}
		closed, err := s.closeReceivable(ctx, a.ID)
		if err != nil {
			return count, fmt.Errorf("ledger: close receivable %s: %w", a.ID, err)
		}
		if closed {
			count++
		}
	}
	if count > 0 {
		s.bumpCache(ctx)
	}
	return count, nil
}

// Transfer moves amount between two standard accounts, posting a leg on each.
func (s *Service) Transfer(ctx context.Context, actor shared.Identity, input TransferInput) (result TransferResult, err error) {
	defer func() { s.observe("transfer", err) }()
	if err := input.Validate(); err != nil {
		return TransferResult{}, err
	}
	transferID := s.newID()
	debit := Transaction{
		ID:            s.newID(),
		AccountID:     input.FromAccountID,
		Type:          TransactionTransfer,
		Amount:        input.Amount,
		TransferID:    transferID,
		Direction:     DirectionOut,
		CreatedBy:     actor.UID,
		CreatedByName: actor.DisplayName(),
	}
	credit := debit
	credit.ID = s.newID()
	credit.AccountID = input.ToAccountID
	credit.Direction = DirectionIn
	note := strings.TrimSpace(input.Note)

	committed, err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		from, err := tx.GetAccount(ctx, input.FromAccountID)
		if err != nil {
			return err
		}
		to, err := tx.GetAccount(ctx, input.ToAccountID)
		if err != nil {
			return err
		}
		if from.Type != AccountTypeStandard {
			return &ValidationError{Field: "fromAccountId", Reason: "must be a standard account", Err: ErrNotStandard}
		}
		if to.Type != AccountTypeStandard {
			return &ValidationError{Field: "toAccountId", Reason: "must be a standard account", Err: ErrNotStandard}
		}
		debit.Note, credit.Note = note, note
		if note == "" {
			debit.Note = "Transfer to " + to.Name
			credit.Note = "Transfer from " + from.Name
		}
		from.Balance = from.Balance.Add(debit.SignedAmount())
		to.Balance = to.Balance.Add(credit.SignedAmount())
		debit.RunningBalance = from.Balance
		credit.RunningBalance = to.Balance
		if err := tx.UpdateAccount(from); err != nil {
			return err
		}
		if err := tx.UpdateAccount(to); err != nil {
			return err
		}
		if err := tx.InsertTransaction(debit); err != nil {
			return err
		}
		return tx.InsertTransaction(credit)
	})
	if err != nil {
		return TransferResult{}, err
	}
	debit.CreatedAt, credit.CreatedAt = committed, committed
	result = TransferResult{TransferID: transferID, Debit: debit, Credit: credit}
	s.afterCommit(ctx, actor, "ledger.transfer", "transfer", transferID, map[string]any{
		"from":   input.FromAccountID,
		"to":     input.ToAccountID,
		"amount": input.Amount.StringFixed(2),
	}, Event{
		Name:           EventTransferCompleted,
		AccountID:      input.FromAccountID,
		RelatedID:      input.ToAccountID,
		TransactionIDs: []string{debit.ID, credit.ID},
		TransferID:     transferID,
		Amount:         input.Amount,
	})
	return result, nil
}

// DeleteAccount removes the account and all of its transactions atomically.
// Child accounts and parent balances are left untouched.
func (s *Service) DeleteAccount(ctx context.Context, actor shared.Identity, accountID string) (err error) {
	defer func() { s.observe("delete_account", err) }()
	var (
		removed int
		last    Account
	)
	_, err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		txns, err := tx.ListTransactions(ctx, accountID)
		if err != nil {
			return err
		}
		for _, t := range txns {
			if err := tx.DeleteTransaction(accountID, t.ID); err != nil {
				return err
			}
		}
		last, removed = account, len(txns)
		return tx.DeleteAccount(accountID)
	})
	if err != nil {
		return err
	}
	s.afterCommit(ctx, actor, "ledger.account.delete", "account", accountID, map[string]any{
		"name":         last.Name,
		"transactions": removed,
	}, Event{Name: EventAccountDeleted, AccountID: accountID, Amount: last.Balance})
	return nil
}

// GetAccount returns one account.
func (s *Service) GetAccount(ctx context.Context, id string) (Account, error) {
	return s.repo.GetAccount(ctx, id)
}

// ListAccounts returns all accounts ordered by creation.
func (s *Service) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.repo.ListAccounts(ctx)
}

// ListTransactions returns the account's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, accountID string) ([]Transaction, error) {
	if _, err := s.repo.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.repo.ListTransactions(ctx, accountID, true)
}

// WatchAccounts streams the account list after every change.
func (s *Service) WatchAccounts(ctx context.Context) (<-chan AccountsUpdate, error) {
	return s.repo.WatchAccounts(ctx)
}

// AccountTree groups accounts under their root ancestor. Accounts whose
// parent no longer exists are reported as orphaned roots.
func (s *Service) AccountTree(ctx context.Context) ([]AccountNode, error) {
	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	return BuildTree(accounts), nil
}

// BuildTree is the pure part of AccountTree.
func BuildTree(accounts []Account) []AccountNode {
	byID := make(map[string]Account, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}
	rootOf := func(a Account) (string, bool) {
		seen := map[string]bool{a.ID: true}
		cur := a
		for !cur.IsRoot() {
			parent, ok := byID[*cur.ParentID]
			if !ok || seen[parent.ID] {
				return cur.ID, true
			}
			seen[parent.ID] = true
			cur = parent
		}
		return cur.ID, false
	}

	index := make(map[string]int)
	var nodes []AccountNode
	for _, a := range accounts {
		if a.IsRoot() {
			index[a.ID] = len(nodes)
			nodes = append(nodes, AccountNode{Account: a, Children: []Account{}, Rollup: a.Balance})
		}
	}
	for _, a := range accounts {
		if a.IsRoot() {
			continue
		}
		rootID, orphaned := rootOf(a)
		if rootID == a.ID {
			index[a.ID] = len(nodes)
			nodes = append(nodes, AccountNode{Account: a, Children: []Account{}, Rollup: a.Balance, Orphaned: orphaned})
		}
	}
	for _, a := range accounts {
		if a.IsRoot() {
			continue
		}
		rootID, _ := rootOf(a)
		if rootID == a.ID {
			continue
		}
		i, ok := index[rootID]
		if !ok {
			continue
		}
		nodes[i].Children = append(nodes[i].Children, a)
		nodes[i].Rollup = nodes[i].Rollup.Add(a.Balance)
	}
	return nodes
}

// CompanyLiquidity sums the balances of root standard accounts.
func (s *Service) CompanyLiquidity(ctx context.Context) (Liquidity, error) {
	if s.cache == nil {
		return s.computeLiquidity(ctx)
	}
	key, err := s.cache.BuildKey(ctx, "liquidity")
	if err != nil {
		s.logger.WarnContext(ctx, "ledger: liquidity cache key", slog.Any("error", err))
		return s.computeLiquidity(ctx)
	}
	var out Liquidity
	err = s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		return s.computeLiquidity(ctx)
	})
	if err != nil {
		s.logger.WarnContext(ctx, "ledger: liquidity cache fetch", slog.Any("error", err))
		return s.computeLiquidity(ctx)
	}
	return out, nil
}

func (s *Service) computeLiquidity(ctx context.Context) (Liquidity, error) {
	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return Liquidity{}, err
	}
	return SumLiquidity(accounts, s.now().UTC()), nil
}

// SumLiquidity is the pure part of CompanyLiquidity.
func SumLiquidity(accounts []Account, asOf time.Time) Liquidity {
	out := Liquidity{Total: decimal.Zero, AsOf: asOf}
	for _, a := range accounts {
		if a.Type == AccountTypeStandard && a.IsRoot() {
			out.Total = out.Total.Add(a.Balance)
			out.Accounts++
		}
	}
	return out
}

// VerifyAccount replays an account's transactions from zero inside one
// consistent read and reports running-balance mismatches.
func (s *Service) VerifyAccount(ctx context.Context, accountID string) (Verification, error) {
	var (
		account Account
		txns    []Transaction
	)
	_, err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if account, err = tx.GetAccount(ctx, accountID); err != nil {
			return err
		}
		txns, err = tx.ListTransactions(ctx, accountID)
		return err
	})
	if err != nil {
		return Verification{}, err
	}
	return Replay(account, txns), nil
}

// Replay recomputes running balances over transactions in ascending order.
func Replay(account Account, txns []Transaction) Verification {
	v := Verification{AccountID: account.ID, Transactions: len(txns), Balance: account.Balance, Replayed: decimal.Zero}
	for _, t := range txns {
		v.Replayed = v.Replayed.Add(t.SignedAmount())
		if !v.Replayed.Equal(t.RunningBalance) {
			v.Discrepancies = append(v.Discrepancies, Discrepancy{
				TransactionID: t.ID,
				Expected:      v.Replayed,
				Recorded:      t.RunningBalance,
			})
		}
	}
	return v
}

func (s *Service) afterCommit(ctx context.Context, actor shared.Identity, action, entity, entityID string, meta map[string]any, ev Event) {
	s.bumpCache(ctx)
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actor.UID,
			Action:   action,
			Entity:   entity,
			EntityID: entityID,
			Meta:     meta,
			At:       s.now(),
		}); err != nil {
			s.logger.WarnContext(ctx, "ledger: audit record", slog.String("action", action), slog.Any("error", err))
		}
	}
	if s.events != nil {
		ev.ActorID = actor.UID
		ev.OccurredAt = s.now().UTC()
		if err := s.events.Publish(ctx, ev.Name, ev); err != nil {
			s.logger.WarnContext(ctx, "ledger: publish event", slog.String("event", ev.Name), slog.Any("error", err))
		}
	}
	s.logger.InfoContext(ctx, "ledger: committed",
		slog.String("action", action),
		slog.String("entity_id", entityID),
		slog.String("actor", actor.UID))
}

func (s *Service) bumpCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.WarnContext(ctx, "ledger: bump liquidity cache", slog.Any("error", err))
	}
}
