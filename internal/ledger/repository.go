package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/penbosso/IntLearn-sub000/internal/docstore"
)

const (
	accountsCollection     = "accounts"
	transactionsCollection = "transactions"
)

func accountKey(id string) docstore.Key { return docstore.Doc(accountsCollection, id) }

func transactionsPath(accountID string) string {
	return docstore.Collection(accountsCollection, accountID, transactionsCollection)
}

func transactionKey(accountID, txID string) docstore.Key {
	return docstore.Doc(accountsCollection, accountID, transactionsCollection, txID)
}

// accountDoc is the stored shape of accounts/{id}. Creation time comes from
// the store.
type accountDoc struct {
	Name          string           `json:"name"`
	Balance       decimal.Decimal  `json:"balance"`
	Type          AccountType      `json:"type"`
	ParentID      *string          `json:"parentId"`
	Status        AccountStatus    `json:"status"`
	InitialAmount *decimal.Decimal `json:"initialAmount,omitempty"`
	CreatedBy     string           `json:"createdBy"`
}

type transactionDoc struct {
	AccountID      string          `json:"accountId"`
	Type           TransactionType `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Note           string          `json:"note"`
	RunningBalance decimal.Decimal `json:"runningBalance"`
	TransferID     string          `json:"transferId,omitempty"`
	Direction      Direction       `json:"direction,omitempty"`
	CreatedBy      string          `json:"createdBy"`
	CreatedByName  string          `json:"createdByName"`
}

func toAccountDoc(a Account) accountDoc {
	return accountDoc{
		Name:          a.Name,
		Balance:       a.Balance,
		Type:          a.Type,
		ParentID:      a.ParentID,
		Status:        a.Status,
		InitialAmount: a.InitialAmount,
		CreatedBy:     a.CreatedBy,
	}
}

func toTransactionDoc(t Transaction) transactionDoc {
	return transactionDoc{
		AccountID:      t.AccountID,
		Type:           t.Type,
		Amount:         t.Amount,
		Note:           t.Note,
		RunningBalance: t.RunningBalance,
		TransferID:     t.TransferID,
		Direction:      t.Direction,
		CreatedBy:      t.CreatedBy,
		CreatedByName:  t.CreatedByName,
	}
}

func decodeAccount(snap docstore.Snapshot) (Account, error) {
	var doc accountDoc
	if err := snap.DataTo(&doc); err != nil {
		return Account{}, err
	}
	return Account{
		ID:            snap.Key.ID(),
		Name:          doc.Name,
		Balance:       doc.Balance,
		Type:          doc.Type,
		ParentID:      doc.ParentID,
		Status:        doc.Status,
		InitialAmount: doc.InitialAmount,
		CreatedAt:     snap.CreateTime,
		CreatedBy:     doc.CreatedBy,
	}, nil
}

func decodeTransaction(snap docstore.Snapshot) (Transaction, error) {
	var doc transactionDoc
	if err := snap.DataTo(&doc); err != nil {
		return Transaction{}, err
	}
	return Transaction{
		ID:             snap.Key.ID(),
		AccountID:      doc.AccountID,
		Type:           doc.Type,
		Amount:         doc.Amount,
		Note:           doc.Note,
		RunningBalance: doc.RunningBalance,
		TransferID:     doc.TransferID,
		Direction:      doc.Direction,
		CreatedAt:      snap.CreateTime,
		CreatedBy:      doc.CreatedBy,
		CreatedByName:  doc.CreatedByName,
	}, nil
}

func decodeTransactions(snaps []docstore.Snapshot) ([]Transaction, error) {
	out := make([]Transaction, 0, len(snaps))
	for _, s := range snaps {
		t, err := decodeTransaction(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func checkID(id string) error {
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("%w: %q", ErrAccountNotFound, id)
	}
	return nil
}

func notFound(id string, err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return err
}

// Repository maps ledger entities onto document store paths.
type Repository struct {
	store docstore.Store
}

// NewRepository constructs a Repository over the store.
func NewRepository(store docstore.Store) *Repository {
	return &Repository{store: store}
}

// WithTx runs fn atomically and returns the commit time.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) (time.Time, error) {
	res, err := r.store.RunAtomic(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	if err != nil {
		return time.Time{}, err
	}
	return res.CommitTime, nil
}

// GetAccount loads a committed account.
func (r *Repository) GetAccount(ctx context.Context, id string) (Account, error) {
	if err := checkID(id); err != nil {
		return Account{}, err
	}
	snap, err := r.store.Get(ctx, accountKey(id))
	if err != nil {
		return Account{}, notFound(id, err)
	}
	return decodeAccount(snap)
}

// ListAccounts returns every account ordered by creation.
func (r *Repository) ListAccounts(ctx context.Context) ([]Account, error) {
	snaps, err := r.store.List(ctx, docstore.Query{Collection: accountsCollection})
	if err != nil {
		return nil, err
	}
	return decodeAccounts(snaps)
}

func decodeAccounts(snaps []docstore.Snapshot) ([]Account, error) {
	out := make([]Account, 0, len(snaps))
	for _, s := range snaps {
		a, err := decodeAccount(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ListTransactions returns the account's transactions ordered by creation.
func (r *Repository) ListTransactions(ctx context.Context, accountID string, descending bool) ([]Transaction, error) {
	if err := checkID(accountID); err != nil {
		return nil, err
	}
	snaps, err := r.store.List(ctx, docstore.Query{Collection: transactionsPath(accountID), Descending: descending})
	if err != nil {
		return nil, err
	}
	return decodeTransactions(snaps)
}

// AccountsUpdate is one emission of the live accounts query.
type AccountsUpdate struct {
	Accounts []Account
	At       time.Time
	Err      error
}

// WatchAccounts streams the account list after every change until ctx is done.
func (r *Repository) WatchAccounts(ctx context.Context) (<-chan AccountsUpdate, error) {
	snaps, err := r.store.Subscribe(ctx, docstore.Query{Collection: accountsCollection})
	if err != nil {
		return nil, err
	}
	out := make(chan AccountsUpdate)
	go func() {
		defer close(out)
		for qs := range snaps {
			update := AccountsUpdate{At: qs.ReadTime, Err: qs.Err}
			if qs.Err == nil {
				update.Accounts, update.Err = decodeAccounts(qs.Docs)
			}
			select {
			case out <- update:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type txRepo struct {
	tx docstore.Tx
}

func (r *txRepo) GetAccount(ctx context.Context, id string) (Account, error) {
	if err := checkID(id); err != nil {
		return Account{}, err
	}
	snap, err := r.tx.Get(ctx, accountKey(id))
	if err != nil {
		return Account{}, notFound(id, err)
	}
	return decodeAccount(snap)
}

func (r *txRepo) ListTransactions(ctx context.Context, accountID string) ([]Transaction, error) {
	snaps, err := r.tx.List(ctx, transactionsPath(accountID))
	if err != nil {
		return nil, err
	}
	return decodeTransactions(snaps)
}

func (r *txRepo) InsertAccount(a Account) error {
	return r.tx.Create(accountKey(a.ID), toAccountDoc(a))
}

func (r *txRepo) UpdateAccount(a Account) error {
	return r.tx.Update(accountKey(a.ID), toAccountDoc(a))
}

func (r *txRepo) InsertTransaction(t Transaction) error {
	return r.tx.Create(transactionKey(t.AccountID, t.ID), toTransactionDoc(t))
}

func (r *txRepo) DeleteTransaction(accountID, txID string) error {
	return r.tx.Delete(transactionKey(accountID, txID))
}

func (r *txRepo) DeleteAccount(id string) error {
	return r.tx.Delete(accountKey(id))
}
