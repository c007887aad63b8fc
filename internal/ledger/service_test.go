package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/penbosso/IntLearn-sub000/internal/docstore"
	"github.com/penbosso/IntLearn-sub000/internal/docstore/memstore"
	"github.com/penbosso/IntLearn-sub000/internal/platform/cache"
	"github.com/penbosso/IntLearn-sub000/internal/shared"
)

type auditStub struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *auditStub) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *auditStub) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type publishedEvent struct {
	key     string
	payload Event
}

type eventStub struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (e *eventStub) Publish(_ context.Context, key string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, _ := payload.(Event)
	e.events = append(e.events, publishedEvent{key: key, payload: ev})
	return e.err
}

func (e *eventStub) keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.key)
	}
	return out
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, money(want).StringFixed(2), got.StringFixed(2), msgAndArgs...)
}

var tester = shared.Identity{UID: "user-1", Name: "Ada Lovelace", Email: "ada@example.com"}

type LedgerServiceSuite struct {
	suite.Suite
	ctx     context.Context
	store   *memstore.Store
	service *Service
	audit   *auditStub
	events  *eventStub
}

func (s *LedgerServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memstore.New(memstore.WithOptions(docstore.Options{
		MaxAttempts: 200,
		BaseBackoff: time.Microsecond,
		MaxBackoff:  time.Millisecond,
	}))
	s.audit = &auditStub{}
	s.events = &eventStub{}
	s.service = NewService(NewRepository(s.store), s.audit)
	s.service.WithEvents(s.events)
}

func TestLedgerServiceSuite(t *testing.T) {
	suite.Run(t, new(LedgerServiceSuite))
}

func (s *LedgerServiceSuite) createAccount(name, balance string, parent *string) Account {
	s.T().Helper()
	acct, err := s.service.CreateAccount(s.ctx, tester, CreateAccountInput{Name: name, InitialBalance: money(balance), ParentID: parent})
	s.Require().NoError(err)
	return acct
}

func (s *LedgerServiceSuite) reload(id string) Account {
	s.T().Helper()
	acct, err := s.service.GetAccount(s.ctx, id)
	s.Require().NoError(err)
	return acct
}

func (s *LedgerServiceSuite) verify(id string) {
	s.T().Helper()
	v, err := s.service.VerifyAccount(s.ctx, id)
	s.Require().NoError(err)
	s.True(v.Consistent(), "replay of %s: %+v", id, v)
}

// Cash 100.00, expense 30.00, income 50.00, then delete.
func (s *LedgerServiceSuite) TestCashScenario() {
	t := s.T()

	cash := s.createAccount("Cash", "100.00", nil)
	assertMoney(t, "100.00", cash.Balance)
	assert.Equal(t, AccountTypeStandard, cash.Type)
	assert.Equal(t, AccountStatusOpen, cash.Status)
	assert.Equal(t, tester.UID, cash.CreatedBy)

	txns, err := s.service.ListTransactions(s.ctx, cash.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, TransactionIncome, txns[0].Type)
	assertMoney(t, "100.00", txns[0].Amount)
	assertMoney(t, "100.00", txns[0].RunningBalance)
	assert.Equal(t, "Ada Lovelace", txns[0].CreatedByName)

	expense, err := s.service.RecordTransaction(s.ctx, tester, RecordTransactionInput{
		AccountID: cash.ID, Type: TransactionExpense, Amount: money("30.00"), Note: "Supplies",
	})
	require.NoError(t, err)
	assertMoney(t, "70.00", expense.RunningBalance)
	assertMoney(t, "70.00", s.reload(cash.ID).Balance)

	income, err := s.service.RecordTransaction(s.ctx, tester, RecordTransactionInput{
		AccountID: cash.ID, Type: TransactionIncome, Amount: money("50.00"), Note: "Tuition",
	})
	require.NoError(t, err)
	assertMoney(t, "120.00", income.RunningBalance)
	assertMoney(t, "120.00", s.reload(cash.ID).Balance)

	txns, err = s.service.ListTransactions(s.ctx, cash.ID)
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.Equal(t, income.ID, txns[0].ID, "newest first")
	assert.Equal(t, expense.ID, txns[1].ID)
	s.verify(cash.ID)

	require.NoError(t, s.service.DeleteAccount(s.ctx, tester, cash.ID))
	_, err = s.service.GetAccount(s.ctx, cash.ID)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = s.service.ListTransactions(s.ctx, cash.ID)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	for _, txn := range txns {
		_, err := s.store.Get(s.ctx, transactionKey(cash.ID, txn.ID))
		assert.ErrorIs(t, err, docstore.ErrNotFound)
	}
	left, err := s.store.List(s.ctx, docstore.Query{Collection: transactionsPath(cash.ID)})
	require.NoError(t, err)
	assert.Empty(t, left)

	assert.Equal(t, []string{
		EventAccountCreated, EventTransactionRecorded, EventTransactionRecorded, EventAccountDeleted,
	}, s.events.keys())
	assert.Equal(t, []string{
		"ledger.account.create", "ledger.transaction.record", "ledger.transaction.record", "ledger.account.delete",
	}, s.audit.actions())
}

// Sales parent, Acme receivable 500.00, settled in full.
func (s *LedgerServiceSuite) TestReceivableScenario() {
	t := s.T()

	sales := s.createAccount("Sales", "0", nil)
	txns, err := s.service.ListTransactions(s.ctx, sales.ID)
	require.NoError(t, err)
	assert.Empty(t, txns, "zero opening balance posts nothing")

	acme, err := s.service.CreateReceivable(s.ctx, tester, CreateReceivableInput{
		CustomerName: "Acme Corp", InvoiceAmount: money("500.00"), ParentID: sales.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, AccountTypeReceivable, acme.Type)
	assert.Equal(t, AccountStatusOpen, acme.Status)
	require.NotNil(t, acme.ParentID)
	assert.Equal(t, sales.ID, *acme.ParentID)
	require.NotNil(t, acme.InitialAmount)
	assertMoney(t, "500.00", *acme.InitialAmount)

	assertMoney(t, "500.00", s.reload(sales.ID).Balance)
	assertMoney(t, "500.00", s.reload(acme.ID).Balance)

	parentTxns, err := s.service.ListTransactions(s.ctx, sales.ID)
	require.NoError(t, err)
	require.Len(t, parentTxns, 1)
	assert.Equal(t, TransactionIncome, parentTxns[0].Type)
	assertMoney(t, "500.00", parentTxns[0].RunningBalance)

	settled, err := s.service.SettleReceivable(s.ctx, tester, SettleReceivableInput{ReceivableID: acme.ID, PaymentAmount: money("500.00")})
	require.NoError(t, err)
	assertMoney(t, "0", settled.Balance)
	assert.Equal(t, AccountStatusClosed, settled.Status)

	stored := s.reload(acme.ID)
	assert.Equal(t, AccountStatusClosed, stored.Status)
	assertMoney(t, "500.00", *stored.InitialAmount, "initial amount is immutable")
	assertMoney(t, "500.00", s.reload(sales.ID).Balance, "settlement never touches the parent")

	acmeTxns, err := s.service.ListTransactions(s.ctx, acme.ID)
	require.NoError(t, err)
	require.Len(t, acmeTxns, 2)
	assert.Equal(t, TransactionPayment, acmeTxns[0].Type)
	assertMoney(t, "0", acmeTxns[0].RunningBalance)
	s.verify(acme.ID)
	s.verify(sales.ID)
}

func (s *LedgerServiceSuite) TestPartialSettlementStaysOpen() {
	t := s.T()
	sales := s.createAccount("Sales", "10.00", nil)
	acme, err := s.service.CreateReceivable(s.ctx, tester, CreateReceivableInput{
		CustomerName: "Acme Corp", InvoiceAmount: money("500.00"), ParentID: sales.ID,
	})
	require.NoError(t, err)
	assertMoney(t, "510.00", s.reload(sales.ID).Balance)

	settled, err := s.service.SettleReceivable(s.ctx, tester, SettleReceivableInput{ReceivableID: acme.ID, PaymentAmount: money("200.01")})
	require.NoError(t, err)
	assertMoney(t, "299.99", settled.Balance)
	assert.Equal(t, AccountStatusOpen, s.reload(acme.ID).Status)
}

func (s *LedgerServiceSuite) TestOverpaymentPerformsNoMutation() {
	t := s.T()
	sales := s.createAccount("Sales", "0", nil)
	acme, err := s.service.CreateReceivable(s.ctx, tester, CreateReceivableInput{
		CustomerName: "Acme Corp", InvoiceAmount: money("100.00"), ParentID: sales.ID,
	})
	require.NoError(t, err)

	_, err = s.service.SettleReceivable(s.ctx, tester, SettleReceivableInput{ReceivableID: acme.ID, PaymentAmount: money("100.01")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOverpayment)
	assert.ErrorIs(t, err, shared.ErrValidation)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "paymentAmount", verr.Field)

	after := s.reload(acme.ID)
	assertMoney(t, "100.00", after.Balance)
	assert.Equal(t, AccountStatusOpen, after.Status)
	txns, err := s.service.ListTransactions(s.ctx, acme.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func (s *LedgerServiceSuite) TestSettleRejectsNonReceivableAndBadAmounts() {
	t := s.T()
	cash := s.createAccount("Cash", "50.00", nil)

	_, err := s.service.SettleReceivable(s.ctx, tester, SettleReceivableInput{ReceivableID: cash.ID, PaymentAmount: money("1")})
	assert.ErrorIs(t, err, ErrNotReceivable)
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = s.service.SettleReceivable(s.ctx, tester, SettleReceivableInput{ReceivableID: cash.ID, PaymentAmount: money("0")})
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = s.service.SettleReceivable(s.ctx, tester, SettleReceivableInput{ReceivableID: "missing", PaymentAmount: money("1")})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

// Cash 120.00 to Bank 0.00, transfer 40.00.
func (s *LedgerServiceSuite) TestTransferScenario() {
	t := s.T()
	cash := s.createAccount("Cash", "120.00", nil)
	bank := s.createAccount("Bank", "0.00", nil)

	result, err := s.service.Transfer(s.ctx, tester, TransferInput{FromAccountID: cash.ID, ToAccountID: bank.ID, Amount: money("40.00")})
	require.NoError(t, err)

	cashAfter, bankAfter := s.reload(cash.ID), s.reload(bank.ID)
	assertMoney(t, "80.00", cashAfter.Balance)
	assertMoney(t, "40.00", bankAfter.Balance)
	assertMoney(t, "120.00", cashAfter.Balance.Add(bankAfter.Balance), "transfer is balance neutral")

	assert.NotEmpty(t, result.TransferID)
	assert.Equal(t, result.TransferID, result.Debit.TransferID)
	assert.Equal(t, result.TransferID, result.Credit.TransferID)
	assert.Equal(t, DirectionOut, result.Debit.Direction)
	assert.Equal(t, DirectionIn, result.Credit.Direction)
	assertMoney(t, "80.00", result.Debit.RunningBalance)
	assertMoney(t, "40.00", result.Credit.RunningBalance)
	assert.Equal(t, "Transfer to Bank", result.Debit.Note)
	assert.Equal(t, "Transfer from Cash", result.Credit.Note)

	cashTxns, err := s.service.ListTransactions(s.ctx, cash.ID)
	require.NoError(t, err)
	bankTxns, err := s.service.ListTransactions(s.ctx, bank.ID)
	require.NoError(t, err)
	assert.Equal(t, cashTxns[0].TransferID, bankTxns[0].TransferID)
	s.verify(cash.ID)
	s.verify(bank.ID)
}

func (s *LedgerServiceSuite) TestTransferPreconditions() {
	t := s.T()
	cash := s.createAccount("Cash", "10.00", nil)
	sales := s.createAccount("Sales", "0", nil)
	acme, err := s.service.CreateReceivable(s.ctx, tester, CreateReceivableInput{
		CustomerName: "Acme", InvoiceAmount: money("5"), ParentID: sales.ID,
	})
	require.NoError(t, err)

	_, err = s.service.Transfer(s.ctx, tester, TransferInput{FromAccountID: cash.ID, ToAccountID: cash.ID, Amount: money("1")})
	assert.ErrorIs(t, err, ErrSameAccount)
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = s.service.Transfer(s.ctx, tester, TransferInput{FromAccountID: cash.ID, ToAccountID: acme.ID, Amount: money("1")})
	assert.ErrorIs(t, err, ErrNotStandard)

	_, err = s.service.Transfer(s.ctx, tester, TransferInput{FromAccountID: cash.ID, ToAccountID: sales.ID, Amount: money("-1")})
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = s.service.Transfer(s.ctx, tester, TransferInput{FromAccountID: cash.ID, ToAccountID: "ghost", Amount: money("1")})
	assert.ErrorIs(t, err, ErrAccountNotFound)

	assertMoney(t, "10.00", s.reload(cash.ID).Balance, "failed transfers leave balances untouched")
	assertMoney(t, "5.00", s.reload(acme.ID).Balance)
}

func (s *LedgerServiceSuite) TestRecordTransactionPrefixSums() {
	t := s.T()
	acct := s.createAccount("Wallet", "12.34", nil)
	steps := []struct {
		kind   TransactionType
		amount string
	}{
		{TransactionExpense, "20.00"},
		{TransactionIncome, "0.01"},
		{TransactionExpense, "7.35"},
		{TransactionIncome, "100.00"},
		{TransactionExpense, "99.99"},
	}
	want := money("12.34")
	for i, step := range steps {
		txn, err := s.service.RecordTransaction(s.ctx, tester, RecordTransactionInput{
			AccountID: acct.ID, Type: step.kind, Amount: money(step.amount), Note: fmt.Sprintf("step %d", i),
		})
		require.NoError(t, err)
		if step.kind == TransactionIncome {
			want = want.Add(money(step.amount))
		} else {
			want = want.Sub(money(step.amount))
		}
		assertMoney(t, want.String(), txn.RunningBalance, "step %d", i)
	}
	assertMoney(t, want.String(), s.reload(acct.ID).Balance)
	assert.True(t, want.IsNegative(), "balances may go negative")
	s.verify(acct.ID)
}

func (s *LedgerServiceSuite) TestConcurrentPostingsSerialise() {
	t := s.T()
	acct := s.createAccount("Till", "0", nil)
	const workers = 12
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.RecordTransaction(s.ctx, tester, RecordTransactionInput{
				AccountID: acct.ID, Type: TransactionIncome, Amount: money("1.50"), Note: "sale",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assertMoney(t, "18.00", s.reload(acct.ID).Balance)
	s.verify(acct.ID)
}

func (s *LedgerServiceSuite) TestConcurrentTransfersStayBalanced() {
	t := s.T()
	a := s.createAccount("A", "100.00", nil)
	b := s.createAccount("B", "100.00", nil)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		from, to := a.ID, b.ID
		if i%2 == 1 {
			from, to = b.ID, a.ID
		}
		go func() {
			defer wg.Done()
			_, err := s.service.Transfer(s.ctx, tester, TransferInput{FromAccountID: from, ToAccountID: to, Amount: money("3.00")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	total := s.reload(a.ID).Balance.Add(s.reload(b.ID).Balance)
	assertMoney(t, "200.00", total)
	s.verify(a.ID)
	s.verify(b.ID)
}

func (s *LedgerServiceSuite) TestCreateAccountValidation() {
	t := s.T()
	_, err := s.service.CreateAccount(s.ctx, tester, CreateAccountInput{Name: "  "})
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = s.service.CreateAccount(s.ctx, tester, CreateAccountInput{Name: "Cash", InitialBalance: money("1.005")})
	assert.ErrorIs(t, err, shared.ErrValidation)

	ghost := "ghost"
	_, err = s.service.CreateAccount(s.ctx, tester, CreateAccountInput{Name: "Child", ParentID: &ghost})
	assert.ErrorIs(t, err, ErrAccountNotFound)

	accounts, err := s.service.ListAccounts(s.ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts, "failed creates leave nothing behind")
}

func (s *LedgerServiceSuite) TestNegativeOpeningBalanceReplays() {
	overdraft := s.createAccount("Overdraft", "-25.00", nil)
	assertMoney(s.T(), "-25.00", overdraft.Balance)
	s.verify(overdraft.ID)
}

func (s *LedgerServiceSuite) TestRecordTransactionValidation() {
	t := s.T()
	acct := s.createAccount("Cash", "0", nil)
	cases := []RecordTransactionInput{
		{AccountID: acct.ID, Type: TransactionIncome, Amount: money("0"), Note: "x"},
		{AccountID: acct.ID, Type: TransactionIncome, Amount: money("-1"), Note: "x"},
		{AccountID: acct.ID, Type: TransactionIncome, Amount: money("1"), Note: " "},
		{AccountID: acct.ID, Type: TransactionPayment, Amount: money("1"), Note: "x"},
		{AccountID: acct.ID, Type: TransactionIncome, Amount: money("0.001"), Note: "x"},
	}
	for i, in := range cases {
		_, err := s.service.RecordTransaction(s.ctx, tester, in)
		assert.ErrorIs(t, err, shared.ErrValidation, "case %d", i)
	}
	_, err := s.service.RecordTransaction(s.ctx, tester, RecordTransactionInput{AccountID: "ghost", Type: TransactionIncome, Amount: money("1"), Note: "x"})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func (s *LedgerServiceSuite) TestDeleteDoesNotCascadeOrReverseParent() {
	t := s.T()
	sales := s.createAccount("Sales", "0", nil)
	acme, err := s.service.CreateReceivable(s.ctx, tester, CreateReceivableInput{
		CustomerName: "Acme", InvoiceAmount: money("80.00"), ParentID: sales.ID,
	})
	require.NoError(t, err)

	require.NoError(t, s.service.DeleteAccount(s.ctx, tester, acme.ID))
	assertMoney(t, "80.00", s.reload(sales.ID).Balance)

	child := s.createAccount("Petty", "5.00", &sales.ID)
	require.NoError(t, s.service.DeleteAccount(s.ctx, tester, sales.ID))
	orphan := s.reload(child.ID)
	require.NotNil(t, orphan.ParentID)
	assert.Equal(t, sales.ID, *orphan.ParentID)

	tree, err := s.service.AccountTree(s.ctx)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.True(t, tree[0].Orphaned)
	assert.Equal(t, child.ID, tree[0].Account.ID)

	assert.ErrorIs(t, s.service.DeleteAccount(s.ctx, tester, sales.ID), ErrAccountNotFound)
}

func (s *LedgerServiceSuite) TestAccountTreeRollup() {
	t := s.T()
	sales := s.createAccount("Sales", "10.00", nil)
	cash := s.createAccount("Cash", "3.00", nil)
	_, err := s.service.CreateReceivable(s.ctx, tester, CreateReceivableInput{CustomerName: "Acme", InvoiceAmount: money("20.00"), ParentID: sales.ID})
	require.NoError(t, err)
	_, err = s.service.CreateReceivable(s.ctx, tester, CreateReceivableInput{CustomerName: "Globex", InvoiceAmount: money("5.00"), ParentID: sales.ID})
	require.NoError(t, err)

	tree, err := s.service.AccountTree(s.ctx)
	require.NoError(t, err)
	require.Len(t, tree, 2)
	assert.Equal(t, sales.ID, tree[0].Account.ID)
	assert.Len(t, tree[0].Children, 2)
	// Sales 35.00 after two invoices, plus receivables 20.00 and 5.00.
	assertMoney(t, "60.00", tree[0].Rollup)
	assert.Equal(t, cash.ID, tree[1].Account.ID)
	assert.Empty(t, tree[1].Children)
}

func (s *LedgerServiceSuite) TestCompanyLiquidityCountsRootStandardAccounts() {
	t := s.T()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s.service.WithCache(cache.NewVersioned(client, "ledger", time.Minute))

	sales := s.createAccount("Sales", "100.00", nil)
	s.createAccount("Cash", "50.00", nil)
	s.createAccount("Sub", "7.00", &sales.ID)
	_, err := s.service.CreateReceivable(s.ctx, tester, CreateReceivableInput{CustomerName: "Acme", InvoiceAmount: money("25.00"), ParentID: sales.ID})
	require.NoError(t, err)

	liq, err := s.service.CompanyLiquidity(s.ctx)
	require.NoError(t, err)
	assertMoney(t, "175.00", liq.Total)
	assert.Equal(t, 2, liq.Accounts)

	cached, err := s.service.CompanyLiquidity(s.ctx)
	require.NoError(t, err)
	assertMoney(t, "175.00", cached.Total)

	s.createAccount("Bank", "1.00", nil)
	fresh, err := s.service.CompanyLiquidity(s.ctx)
	require.NoError(t, err)
	assertMoney(t, "176.00", fresh.Total, "mutations invalidate the cached figure")
}

func (s *LedgerServiceSuite) TestVerifyAccountDetectsTampering() {
	t := s.T()
	acct := s.createAccount("Cash", "10.00", nil)
	_, err := s.service.RecordTransaction(s.ctx, tester, RecordTransactionInput{
		AccountID: acct.ID, Type: TransactionIncome, Amount: money("5.00"), Note: "x",
	})
	require.NoError(t, err)

	_, err = s.store.RunAtomic(s.ctx, func(_ context.Context, tx docstore.Tx) error {
		return tx.Create(transactionKey(acct.ID, "zz-forged"), transactionDoc{
			AccountID: acct.ID, Type: TransactionIncome, Amount: money("1.00"), RunningBalance: money("99.00"), Note: "forged",
		})
	})
	require.NoError(t, err)

	v, err := s.service.VerifyAccount(s.ctx, acct.ID)
	require.NoError(t, err)
	assert.False(t, v.Consistent())
	require.Len(t, v.Discrepancies, 1)
	assert.Equal(t, "zz-forged", v.Discrepancies[0].TransactionID)
	assertMoney(t, "16.00", v.Discrepancies[0].Expected)
	assertMoney(t, "16.00", v.Replayed)
	assertMoney(t, "15.00", v.Balance)
}

func (s *LedgerServiceSuite) TestCloseSettledReceivablesRecoversCrashWindow() {
	t := s.T()
	sales := s.createAccount("Sales", "0", nil)
	acme, err := s.service.CreateReceivable(s.ctx, tester, CreateReceivableInput{CustomerName: "Acme", InvoiceAmount: money("10.00"), ParentID: sales.ID})
	require.NoError(t, err)

	// Simulate a crash after the payment commit and before the close write.
	_, err = s.store.RunAtomic(s.ctx, func(ctx context.Context, tx docstore.Tx) error {
		snap, err := tx.Get(ctx, accountKey(acme.ID))
		if err != nil {
			return err
		}
		var doc accountDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		doc.Balance = decimal.Zero
		return tx.Update(accountKey(acme.ID), doc)
	})
	require.NoError(t, err)
	assert.Equal(t, AccountStatusOpen, s.reload(acme.ID).Status)

	closed, err := s.service.CloseSettledReceivables(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)
	assert.Equal(t, AccountStatusClosed, s.reload(acme.ID).Status)

	closed, err = s.service.CloseSettledReceivables(s.ctx)
	require.NoError(t, err)
	assert.Zero(t, closed)
}

func (s *LedgerServiceSuite) TestEventFailuresDoNotFailOperations() {
	s.events.err = errors.New("broker down")
	acct := s.createAccount("Cash", "1.00", nil)
	assertMoney(s.T(), "1.00", s.reload(acct.ID).Balance)
}

func (s *LedgerServiceSuite) TestWatchAccountsEmitsOnCommit() {
	t := s.T()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	updates, err := s.service.WatchAccounts(ctx)
	require.NoError(t, err)

	first := <-updates
	require.NoError(t, first.Err)
	assert.Empty(t, first.Accounts)

	s.createAccount("Cash", "1.00", nil)
	select {
	case next := <-updates:
		require.NoError(t, next.Err)
		require.Len(t, next.Accounts, 1)
		assert.Equal(t, "Cash", next.Accounts[0].Name)
	case <-time.After(2 * time.Second):
		t.Fatal("expected live update")
	}
}

type metricsStub struct {
	mu  sync.Mutex
	ops map[string]int
}

func (m *metricsStub) ObserveLedgerOp(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ops == nil {
		m.ops = map[string]int{}
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ops[op+":"+result]++
}

func (s *LedgerServiceSuite) TestMetricsObserveOutcomes() {
	m := &metricsStub{}
	s.service.WithMetrics(m)
	s.createAccount("Cash", "1.00", nil)
	_, _ = s.service.CreateAccount(s.ctx, tester, CreateAccountInput{})
	s.Equal(1, m.ops["create_account:ok"])
	s.Equal(1, m.ops["create_account:error"])
}

func TestParseAmount(t *testing.T) {
	d, err := ParseAmount("amount", " 12.50 ")
	require.NoError(t, err)
	assertMoney(t, "12.50", d)

	for _, raw := range []string{"", "abc", "1.234", "1e-3"} {
		_, err := ParseAmount("amount", raw)
		assert.ErrorIs(t, err, shared.ErrValidation, raw)
	}
	d, err = ParseAmount("amount", "1.500")
	require.NoError(t, err, "trailing zeros are not extra precision")
	assertMoney(t, "1.50", d)
}

func TestSignedAmount(t *testing.T) {
	amt := money("4.00")
	assertMoney(t, "4.00", Transaction{Type: TransactionIncome, Amount: amt}.SignedAmount())
	assertMoney(t, "-4.00", Transaction{Type: TransactionExpense, Amount: amt}.SignedAmount())
	assertMoney(t, "-4.00", Transaction{Type: TransactionPayment, Amount: amt}.SignedAmount())
	assertMoney(t, "-4.00", Transaction{Type: TransactionTransfer, Direction: DirectionOut, Amount: amt}.SignedAmount())
	assertMoney(t, "4.00", Transaction{Type: TransactionTransfer, Direction: DirectionIn, Amount: amt}.SignedAmount())
}

func TestSumLiquidityIgnoresChildrenAndReceivables(t *testing.T) {
	parent := "p"
	accounts := []Account{
		{ID: "p", Type: AccountTypeStandard, Balance: money("10")},
		{ID: "c", Type: AccountTypeStandard, Balance: money("5"), ParentID: &parent},
		{ID: "r", Type: AccountTypeReceivable, Balance: money("7"), ParentID: &parent},
		{ID: "x", Type: AccountTypeStandard, Balance: money("-2")},
	}
	liq := SumLiquidity(accounts, time.Now())
	assertMoney(t, "8.00", liq.Total)
	assert.Equal(t, 2, liq.Accounts)
}
