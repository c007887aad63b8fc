package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penbosso/IntLearn-sub000/internal/docstore/memstore"
	"github.com/penbosso/IntLearn-sub000/internal/shared"
)

type handlerEnv struct {
	server *httptest.Server
	store  *memstore.Store
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	store := memstore.New()
	service := NewService(NewRepository(store), nil)
	handler := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), service, shared.NewIdempotencyStore(store))
	handler.heartbeat = 50 * time.Millisecond

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("X-Test-Anonymous") == "" {
				req = req.WithContext(shared.ContextWithIdentity(req.Context(), tester))
			}
			next.ServeHTTP(w, req)
		})
	})
	handler.MountStream(r)
	handler.MountRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &handlerEnv{server: srv, store: store}
}

func (e *handlerEnv) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestHandlerAccountLifecycle(t *testing.T) {
	env := newHandlerEnv(t)

	resp, body := env.do(t, http.MethodPost, "/ledger/accounts", `{"name":"Cash","initialBalance":"100"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "100.00", body["balance"])
	assert.Equal(t, "standard", body["type"])
	id := body["id"].(string)

	resp, body = env.do(t, http.MethodPost, "/ledger/accounts/"+id+"/transactions", `{"type":"expense","amount":"30.00","note":"Supplies"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "70.00", body["runningBalance"])
	assert.Equal(t, "Ada Lovelace", body["createdByName"])

	resp, body = env.do(t, http.MethodGet, "/ledger/accounts/"+id+"/transactions?per_page=1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "expense", items[0].(map[string]any)["type"])
	pg := body["pagination"].(map[string]any)
	assert.EqualValues(t, 2, pg["total"])
	assert.EqualValues(t, 2, pg["totalPages"])

	resp, body = env.do(t, http.MethodGet, "/ledger/liquidity", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "70.00", body["total"])

	resp, _ = env.do(t, http.MethodDelete, "/ledger/accounts/"+id, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/ledger/accounts/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.EqualValues(t, 404, body["status"])
}

func TestHandlerValidationAndErrors(t *testing.T) {
	env := newHandlerEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/ledger/accounts", `{"name":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/ledger/accounts", `{"name":"Cash","initialBalance":"1.999"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/ledger/accounts", `{"name":"Cash","extra":true}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/ledger/accounts", `{"name":"Cash"}`, map[string]string{"X-Test-Anonymous": "1"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, sales := env.do(t, http.MethodPost, "/ledger/accounts", `{"name":"Sales"}`, nil)
	resp, acme := env.do(t, http.MethodPost, "/ledger/receivables",
		`{"customerName":"Acme Corp","invoiceAmount":"500.00","parentId":"`+sales["id"].(string)+`"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "500.00", acme["initialAmount"])

	resp, body := env.do(t, http.MethodPost, "/ledger/receivables/"+acme["id"].(string)+"/settle", `{"paymentAmount":"600"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body["detail"], "paymentAmount")

	resp, body = env.do(t, http.MethodPost, "/ledger/receivables/"+acme["id"].(string)+"/settle", `{"paymentAmount":"500"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "closed", body["status"])
	assert.Equal(t, "0.00", body["balance"])

	resp, _ = env.do(t, http.MethodPost, "/ledger/transfers",
		`{"fromAccountId":"`+sales["id"].(string)+`","toAccountId":"`+sales["id"].(string)+`","amount":"1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerTransferIdempotency(t *testing.T) {
	env := newHandlerEnv(t)
	_, cash := env.do(t, http.MethodPost, "/ledger/accounts", `{"name":"Cash","initialBalance":"120"}`, nil)
	_, bank := env.do(t, http.MethodPost, "/ledger/accounts", `{"name":"Bank"}`, nil)
	payload := `{"fromAccountId":"` + cash["id"].(string) + `","toAccountId":"` + bank["id"].(string) + `","amount":"40.00"}`
	headers := map[string]string{"Idempotency-Key": "transfer-1"}

	resp, body := env.do(t, http.MethodPost, "/ledger/transfers", payload, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	debit := body["debit"].(map[string]any)
	credit := body["credit"].(map[string]any)
	assert.Equal(t, body["transferId"], debit["transferId"])
	assert.Equal(t, "80.00", debit["runningBalance"])
	assert.Equal(t, "40.00", credit["runningBalance"])

	resp, _ = env.do(t, http.MethodPost, "/ledger/transfers", payload, headers)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, acct := env.do(t, http.MethodGet, "/ledger/accounts/"+cash["id"].(string), "", nil)
	assert.Equal(t, "80.00", acct["balance"], "replayed request is not applied twice")

	// A failed attempt releases its key.
	failing := map[string]string{"Idempotency-Key": "transfer-2"}
	bad := `{"fromAccountId":"` + cash["id"].(string) + `","toAccountId":"ghost","amount":"1"}`
	resp, _ = env.do(t, http.MethodPost, "/ledger/transfers", bad, failing)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/ledger/transfers", payload, failing)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestHandlerCreateAccountIdempotency(t *testing.T) {
	env := newHandlerEnv(t)
	headers := map[string]string{"Idempotency-Key": "open-cash"}

	resp, _ := env.do(t, http.MethodPost, "/ledger/accounts", `{"name":"Cash","initialBalance":"100"}`, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/ledger/accounts", `{"name":"Cash","initialBalance":"100"}`, headers)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, body := env.do(t, http.MethodGet, "/ledger/accounts", "", nil)
	assert.Len(t, body["items"].([]any), 1, "retried create does not open a second account")

	// A failed create releases its key.
	failing := map[string]string{"Idempotency-Key": "open-child"}
	resp, _ = env.do(t, http.MethodPost, "/ledger/accounts", `{"name":"Child","parentId":"ghost"}`, failing)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/ledger/accounts", `{"name":"Child"}`, failing)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestHandlerTransactionPageBeyondEnd(t *testing.T) {
	env := newHandlerEnv(t)
	_, cash := env.do(t, http.MethodPost, "/ledger/accounts", `{"name":"Cash","initialBalance":"10"}`, nil)
	path := "/ledger/accounts/" + cash["id"].(string) + "/transactions?per_page=20&page="

	for _, page := range []string{"461168601842738792", "9223372036854775807", "2"} {
		resp, body := env.do(t, http.MethodGet, path+page, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, page)
		assert.Empty(t, body["items"], page)
	}
}

func TestHandlerTreeView(t *testing.T) {
	env := newHandlerEnv(t)
	_, sales := env.do(t, http.MethodPost, "/ledger/accounts", `{"name":"Sales","initialBalance":"1"}`, nil)
	env.do(t, http.MethodPost, "/ledger/receivables", `{"customerName":"Acme","invoiceAmount":"2","parentId":"`+sales["id"].(string)+`"}`, nil)

	resp, body := env.do(t, http.MethodGet, "/ledger/accounts?view=tree", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	node := items[0].(map[string]any)
	assert.Equal(t, "5.00", node["rollup"])
	assert.Len(t, node["children"].([]any), 1)

	resp, body = env.do(t, http.MethodGet, "/ledger/accounts", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"].([]any), 2)
}

func TestHandlerStreamsAccounts(t *testing.T) {
	env := newHandlerEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/ledger/accounts/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				events <- strings.TrimPrefix(line, "data: ")
			}
		}
		close(events)
	}()

	next := func() map[string]any {
		select {
		case raw := <-events:
			var out map[string]any
			require.NoError(t, json.Unmarshal([]byte(raw), &out))
			return out
		case <-time.After(2 * time.Second):
			t.Fatal("expected stream event")
			return nil
		}
	}

	first := next()
	assert.Empty(t, first["items"])

	env.do(t, http.MethodPost, "/ledger/accounts", `{"name":"Cash"}`, nil)
	second := next()
	require.Len(t, second["items"].([]any), 1)
}
