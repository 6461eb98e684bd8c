package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dishlens/dishlens/pkg/api"
	"github.com/dishlens/dishlens/pkg/kv"
	"github.com/dishlens/dishlens/pkg/session"
)

type fakeBackend struct {
	mu          sync.Mutex
	orders      []api.CreateOrderRequest
	orderPolls  int
	patched     []string
	waiterCalls int
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("POST /public/restaurants/{slug}/table-sessions/resolve", func(w http.ResponseWriter, r *http.Request) {
		var req api.ResolveSessionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.AccessToken == "expiredaccesstoken01" {
			writeJSON(w, http.StatusGone, map[string]string{"error": "token expired"})
			return
		}
		writeJSON(w, http.StatusOK, api.TableSession{TableSessionID: "ts-1", TableNumber: "7", SessionSecret: "secret"})
	})
	mux.HandleFunc("POST /public/restaurants/{slug}/table-sessions/guest", func(w http.ResponseWriter, r *http.Request) {
		var req api.GuestSessionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, http.StatusOK, api.TableSession{TableSessionID: "guest-" + req.TableNumber, TableNumber: req.TableNumber})
	})
	mux.HandleFunc("GET /public/restaurants/{slug}/menu", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"restaurantName":"Demo Bistro","categories":[{"id":"c1","name":"Mains","items":[
			{"id":"burger","name":"Burger","price":"9.99"},
			{"id":"soup","name":"Soup","price":"4.50","available":false}]}]}`))
	})
	mux.HandleFunc("POST /public/restaurants/{slug}/orders", func(w http.ResponseWriter, r *http.Request) {
		var req api.CreateOrderRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.orders = append(f.orders, req)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"o-1","orderToken":"tok-1","status":"NEW","totalCents":1998}`))
	})
	mux.HandleFunc("GET /public/restaurants/{slug}/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok-1" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "bad token"})
			return
		}
		f.mu.Lock()
		f.orderPolls++
		n := f.orderPolls
		f.mu.Unlock()
		status := "IN_KITCHEN"
		if n > 1 {
			status = "SERVED"
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"` + r.PathValue("id") + `","status":"` + status + `","totalCents":1998}`))
	})
	mux.HandleFunc("POST /public/restaurants/{slug}/waiter-calls", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.waiterCalls++
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, api.WaiterCall{ID: "wc-1", TableNumber: "7", Status: "OPEN"})
	})

	staff := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer staff-token" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("GET /restaurants/{rid}/orders", staff(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"o-1","status":"NEW","tableNumber":"7","totalCents":1998}]`))
	}))
	mux.HandleFunc("PATCH /restaurants/{rid}/orders/{id}/status", staff(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status string `json:"status"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.patched = append(f.patched, r.PathValue("id")+"="+body.Status)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"` + r.PathValue("id") + `","status":"` + body.Status + `"}`))
	}))
	mux.HandleFunc("GET /platform/plans", staff(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []api.Plan{{ID: "p1", Name: "Starter", PriceCents: 2900, MaxTables: 10, MaxWaiters: 3}})
	}))
	return mux
}

func (f *fakeBackend) sentOrders() []api.CreateOrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.CreateOrderRequest(nil), f.orders...)
}

func (f *fakeBackend) patches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.patched...)
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waiterCalls
}

type cliEnv struct {
	backend *fakeBackend
	srv     *httptest.Server
	store   *kv.MemoryStore
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)
	return &cliEnv{backend: backend, srv: srv, store: kv.NewMemoryStore()}
}

func (e *cliEnv) run(args ...string) (string, error) {
	var out bytes.Buffer
	c := newCLI(nil, nil, &out)
	c.store = e.store
	root := newRootCmd(c)
	root.SetArgs(append([]string{"--api", e.srv.URL, "-r", "demo"}, args...))
	err := root.Execute()
	return out.String(), err
}

func (e *cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(args...)
	if err != nil {
		t.Fatalf("dishlens %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestGuestOrderFlow(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun(t, "session", "--t", "accesstoken0123456789")
	if !strings.Contains(out, "Table 7") || !strings.Contains(out, string(session.SourceAccessToken)) {
		t.Errorf("session output = %q", out)
	}

	env.mustRun(t, "cart", "add", "burger", "--spice", "Hot", "--avoid", "nuts")
	out = env.mustRun(t, "cart", "add", "burger", "--spice", "hot", "--avoid", "NUTS")
	if !strings.Contains(out, "Updated 2x Burger") {
		t.Errorf("second add should merge, got %q", out)
	}

	out = env.mustRun(t, "cart", "show")
	if !strings.Contains(out, "19.98") {
		t.Errorf("cart show = %q, want total 19.98", out)
	}

	out = env.mustRun(t, "order", "submit")
	if !strings.Contains(out, "Order o-1 placed: Placed") {
		t.Errorf("submit output = %q", out)
	}
	orders := env.backend.sentOrders()
	if len(orders) != 1 {
		t.Fatalf("orders sent = %d, want 1", len(orders))
	}
	sent := orders[0]
	if sent.SessionSecret != "secret" || sent.DeviceID == "" || len(sent.Lines) != 1 || sent.Lines[0].Quantity != 2 {
		t.Errorf("order request = %+v", sent)
	}

	out = env.mustRun(t, "cart", "show")
	if !strings.Contains(out, "Cart is empty") {
		t.Errorf("cart should be cleared after submit, got %q", out)
	}

	out = env.mustRun(t, "order", "track", "--interval", "10ms")
	if !strings.Contains(out, "In Kitchen") || !strings.Contains(out, "Order o-1 is served") {
		t.Errorf("track output = %q", out)
	}
}

func TestCartEditing(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun(t, "session", "--t", "accesstoken0123456789")
	env.mustRun(t, "cart", "add", "burger", "-q", "3")
	env.mustRun(t, "cart", "add", "burger", "--note", "no onions")

	out := env.mustRun(t, "cart", "edit", "2", "--note", "")
	if !strings.Contains(out, "4x Burger") {
		t.Errorf("editing into an identical line should merge, got %q", out)
	}

	env.mustRun(t, "cart", "set", "1", "0")
	out = env.mustRun(t, "cart", "show")
	if !strings.Contains(out, "Cart is empty") {
		t.Errorf("cart show = %q", out)
	}

	if _, err := env.run("cart", "set", "5", "1"); err == nil {
		t.Error("unknown line should fail")
	}
}

func TestCartAddValidation(t *testing.T) {
	env := newCLIEnv(t)

	if _, err := env.run("cart", "add", "burger"); err == nil || !strings.Contains(err.Error(), "no table session") {
		t.Errorf("add without a session error = %v", err)
	}

	env.mustRun(t, "session", "--t", "accesstoken0123456789")
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "unknownItem", args: []string{"cart", "add", "pizza"}, want: "not found"},
		{name: "unavailableItem", args: []string{"cart", "add", "soup"}, want: "not available"},
		{name: "zeroQuantity", args: []string{"cart", "add", "burger", "-q", "0"}, want: "positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.run(tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestSessionRescan(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run("session", "--t", "expiredaccesstoken01")
	if !errors.Is(err, session.ErrRescanRequired) {
		t.Errorf("error = %v, want ErrRescanRequired", err)
	}
}

func TestGuestSessionCannotOrder(t *testing.T) {
	env := newCLIEnv(t)
	out := env.mustRun(t, "session", "--table", "12")
	if !strings.Contains(out, "cannot place orders") {
		t.Errorf("session output = %q", out)
	}
	env.mustRun(t, "cart", "add", "burger")
	if _, err := env.run("order", "submit"); err == nil {
		t.Error("guest session without secret should not submit")
	}
	if _, err := env.run("waiter", "call"); err == nil {
		t.Error("guest session without secret should not call a waiter")
	}
}

func TestWaiterCall(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun(t, "session", "--t", "accesstoken0123456789")
	out := env.mustRun(t, "waiter", "call", "--reason", "water")
	if !strings.Contains(out, "table 7") || env.backend.calls() != 1 {
		t.Errorf("waiter call output = %q, calls = %d", out, env.backend.calls())
	}
}

func TestStaffCommands(t *testing.T) {
	env := newCLIEnv(t)

	if _, err := env.run("staff", "orders", "r-1"); err == nil {
		t.Error("staff orders without a token should fail")
	}

	out := env.mustRun(t, "--token", "staff-token", "staff", "orders", "r-1")
	if !strings.Contains(out, "PLACED") || !strings.Contains(out, "IN_KITCHEN,CANCELLED") {
		t.Errorf("staff orders output = %q", out)
	}

	if _, err := env.run("--token", "staff-token", "staff", "status", "r-1", "o-1", "LUNCH"); err == nil {
		t.Error("unknown status should fail before calling the backend")
	}

	out = env.mustRun(t, "--token", "staff-token", "staff", "status", "r-1", "o-1", "done")
	if !strings.Contains(out, "now Ready") {
		t.Errorf("staff status output = %q", out)
	}
	if patched := env.backend.patches(); len(patched) != 1 || patched[0] != "o-1=READY" {
		t.Errorf("patched = %v", patched)
	}

	out = env.mustRun(t, "--token", "staff-token", "platform", "plans")
	if !strings.Contains(out, "Starter") || !strings.Contains(out, "29.00") {
		t.Errorf("platform plans output = %q", out)
	}
}

func TestFormatCents(t *testing.T) {
	tests := map[int64]string{0: "0.00", 5: "0.05", 1998: "19.98", -250: "-2.50"}
	for in, want := range tests {
		if got := formatCents(in); got != want {
			t.Errorf("formatCents(%d) = %q, want %q", in, got, want)
		}
	}
}
