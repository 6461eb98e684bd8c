package pos

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dishlens/dishlens/pkg/api"
	"github.com/dishlens/dishlens/pkg/event"
	"github.com/go-chi/chi/v5"
)

// staffTokens are the tokens fakeStaffAPI accepts besides the service token.
var staffTokens = map[string]bool{"chef": true, "staff-1": true, "waiter-7": true}

// fakeStaffAPI serves restaurant "r1". Reads require the service token or
// a staff token.
type fakeStaffAPI struct {
	mu         sync.Mutex
	failTables bool
	staffReads []string
	patches    []string
	patchAuth  []string
	acks       []string
}

func (f *fakeStaffAPI) readsBy(token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.staffReads {
		if t == token {
			n++
		}
	}
	return n
}

func (f *fakeStaffAPI) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	service := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token != "svc" && !staffTokens[token] {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid token"})
				return
			}
			if token != "svc" {
				f.mu.Lock()
				f.staffReads = append(f.staffReads, token)
				f.mu.Unlock()
			}
			next(w, r)
		}
	}

	mux.HandleFunc("GET /restaurants/r1/orders", service(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]interface{}{
			{"id": "o1", "status": "NEW", "tableNumber": "2"},
			{"id": "o2", "status": "IN_KITCHEN", "tableNumber": "3"},
			{"id": "o3", "status": "SERVED"},
		})
	}))

	mux.HandleFunc("GET /restaurants/r1/tables", service(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		fail := f.failTables
		f.mu.Unlock()
		if fail {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "db down"})
			return
		}
		writeJSON(w, http.StatusOK, []api.Table{{ID: "t1", Number: "1", Status: "OCCUPIED", OpenOrders: 1}})
	}))

	mux.HandleFunc("GET /restaurants/r1/waiter-calls", service(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []api.WaiterCall{
			{ID: "c1", TableNumber: "4", Status: "OPEN"},
			{ID: "c2", TableNumber: "5", Status: "ACKNOWLEDGED", Acknowledged: true},
		})
	}))

	mux.HandleFunc("PATCH /restaurants/r1/orders/{orderID}/status", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status string `json:"status"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.patches = append(f.patches, r.PathValue("orderID")+"="+body.Status)
		f.patchAuth = append(f.patchAuth, r.Header.Get("Authorization"))
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": r.PathValue("orderID"), "status": body.Status, "tableNumber": "2"})
	})

	mux.HandleFunc("POST /restaurants/r1/waiter-calls/{callID}/ack", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.acks = append(f.acks, r.PathValue("callID")+":"+r.Header.Get("Authorization"))
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, api.WaiterCall{ID: r.PathValue("callID"), Status: "ACKNOWLEDGED", Acknowledged: true})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []event.OrderStatusEvent
}

func (p *capturePublisher) Publish(_ context.Context, topic string, data []byte) error {
	var evt event.OrderStatusEvent
	json.Unmarshal(data, &evt)
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
	return nil
}

type posEnv struct {
	router chi.Router
	api    *fakeStaffAPI
	pub    *capturePublisher
	boards *Boards
}

func newPosEnv(t *testing.T) *posEnv {
	t.Helper()
	fake := &fakeStaffAPI{}
	srv := fake.server(t)
	client := api.NewClient(srv.URL, api.WithToken("svc"))

	readerFor := func(token string) StaffReader { return client.WithBearer(token) }
	boards := NewBoards(client, readerFor, Intervals{Kitchen: time.Hour, Floor: time.Hour, WaiterCalls: time.Hour}, nil)
	t.Cleanup(func() { boards.Stop(context.Background()) })

	pub := &capturePublisher{}
	h := NewHandler(HandlerDeps{
		Boards:    boards,
		WriterFor: func(token string) StaffWriter { return client.WithBearer(token) },
		Emitter:   event.NewEmitter(pub),
	}, nil)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return &posEnv{router: r, api: fake, pub: pub, boards: boards}
}

func (e *posEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var raw []byte
	if body != nil {
		raw, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func data(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v: %s", err, w.Body.String())
	}
	d, ok := resp["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("Response does not contain data object: %s", w.Body.String())
	}
	return d
}

func TestKitchenBoard(t *testing.T) {
	env := newPosEnv(t)

	w := env.do(http.MethodGet, "/staff/restaurants/r1/kitchen", "chef", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("KitchenBoard() status = %d: %s", w.Code, w.Body.String())
	}
	columns := data(t, w)["columns"].(map[string]interface{})

	placed := columns["PLACED"].([]interface{})
	if len(placed) != 1 {
		t.Fatalf("PLACED column = %v", placed)
	}
	card := placed[0].(map[string]interface{})
	if card["id"] != "o1" || card["label"] != "Placed" {
		t.Errorf("legacy NEW order card = %v", card)
	}
	next := card["next"].([]interface{})
	if len(next) != 2 || next[0] != "IN_KITCHEN" || next[1] != "CANCELLED" {
		t.Errorf("next = %v", next)
	}

	if got := len(columns["IN_KITCHEN"].([]interface{})); got != 1 {
		t.Errorf("IN_KITCHEN column size = %d", got)
	}
	if _, ok := columns["SERVED"]; ok {
		t.Error("terminal orders must not appear on the kitchen board")
	}
	if got := len(columns["READY"].([]interface{})); got != 0 {
		t.Errorf("READY column size = %d", got)
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	env := newPosEnv(t)
	env.do(http.MethodGet, "/staff/restaurants/r1/kitchen", "chef", nil)

	tests := []struct {
		name    string
		order   string
		token   string
		status  string
		want    int
		wantFwd string
	}{
		{name: "missingToken", order: "o1", status: "IN_KITCHEN", want: http.StatusUnauthorized},
		{name: "unknownStatus", order: "o1", token: "staff-1", status: "COOKING", want: http.StatusBadRequest},
		{name: "skipsAhead", order: "o1", token: "staff-1", status: "READY", want: http.StatusConflict},
		{name: "legacyNameAccepted", order: "o2", token: "staff-1", status: "DONE", want: http.StatusOK, wantFwd: "o2=READY"},
		{name: "offeredTransition", order: "o1", token: "staff-1", status: "IN_KITCHEN", want: http.StatusOK, wantFwd: "o1=IN_KITCHEN"},
		{name: "unknownOrderForwarded", order: "o9", token: "staff-1", status: "SERVED", want: http.StatusOK, wantFwd: "o9=SERVED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.api.mu.Lock()
			before := len(env.api.patches)
			env.api.mu.Unlock()

			w := env.do(http.MethodPatch, "/staff/restaurants/r1/orders/"+tt.order+"/status", tt.token, map[string]string{"status": tt.status})
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}

			env.api.mu.Lock()
			defer env.api.mu.Unlock()
			if tt.wantFwd == "" {
				if len(env.api.patches) != before {
					t.Errorf("request was forwarded: %v", env.api.patches[before:])
				}
				return
			}
			if len(env.api.patches) != before+1 || env.api.patches[before] != tt.wantFwd {
				t.Errorf("forwarded = %v, want %s", env.api.patches[before:], tt.wantFwd)
			}
			if env.api.patchAuth[before] != "Bearer staff-1" {
				t.Errorf("forwarded with %q, want the caller's token", env.api.patchAuth[before])
			}
		})
	}

	env.pub.mu.Lock()
	defer env.pub.mu.Unlock()
	if len(env.pub.events) != 3 {
		t.Fatalf("published %d events, want 3", len(env.pub.events))
	}
	first := env.pub.events[0]
	if first.OrderID != "o2" || first.Status != "READY" || first.PreviousStatus != "IN_KITCHEN" || first.Source != "pos" || first.RestaurantID != "r1" {
		t.Errorf("event = %+v", first)
	}
	if env.pub.events[2].PreviousStatus != "" {
		t.Errorf("unknown order should have no previous status: %+v", env.pub.events[2])
	}
}

func TestWaiterCalls(t *testing.T) {
	env := newPosEnv(t)

	w := env.do(http.MethodGet, "/staff/restaurants/r1/waiter-calls", "chef", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("WaiterCallsBoard() status = %d", w.Code)
	}
	calls := data(t, w)["calls"].([]interface{})
	if len(calls) != 1 || calls[0].(map[string]interface{})["id"] != "c1" {
		t.Errorf("open calls = %v", calls)
	}

	w = env.do(http.MethodPost, "/staff/restaurants/r1/waiter-calls/c1/ack", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("ack without token status = %d", w.Code)
	}

	w = env.do(http.MethodPost, "/staff/restaurants/r1/waiter-calls/c1/ack", "waiter-7", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ack status = %d: %s", w.Code, w.Body.String())
	}
	env.api.mu.Lock()
	defer env.api.mu.Unlock()
	if len(env.api.acks) != 1 || env.api.acks[0] != "c1:Bearer waiter-7" {
		t.Errorf("acks = %v", env.api.acks)
	}
}

func TestFloorBoard(t *testing.T) {
	env := newPosEnv(t)

	w := env.do(http.MethodGet, "/staff/restaurants/r1/floor", "chef", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("FloorBoard() status = %d", w.Code)
	}
	tables := data(t, w)["tables"].([]interface{})
	if len(tables) != 1 {
		t.Errorf("tables = %v", tables)
	}

	failing := newPosEnv(t)
	failing.api.failTables = true
	w = failing.do(http.MethodGet, "/staff/restaurants/r1/floor", "chef", nil)
	if w.Code != http.StatusBadGateway {
		t.Errorf("FloorBoard() with upstream down status = %d, want 502", w.Code)
	}
	if n := failing.boards.Count(); n != 0 {
		t.Errorf("a failed first read left %d boards running", n)
	}
}

func TestBoardReadsRequireStaffToken(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		token  string
		want   int
		boards int
	}{
		{name: "missingToken", path: "/staff/restaurants/r1/kitchen", want: http.StatusUnauthorized},
		{name: "rejectedToken", path: "/staff/restaurants/r1/floor", token: "stranger", want: http.StatusUnauthorized},
		{name: "unknownRestaurant", path: "/staff/restaurants/nowhere/waiter-calls", token: "chef", want: http.StatusNotFound},
		{name: "staffToken", path: "/staff/restaurants/r1/kitchen", token: "chef", want: http.StatusOK, boards: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newPosEnv(t)
			w := env.do(http.MethodGet, tt.path, tt.token, nil)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
			if n := env.boards.Count(); n != tt.boards {
				t.Errorf("boards running = %d, want %d", n, tt.boards)
			}
		})
	}
}

func TestBoardGrantIsReused(t *testing.T) {
	env := newPosEnv(t)

	for i := 0; i < 3; i++ {
		if w := env.do(http.MethodGet, "/staff/restaurants/r1/kitchen", "chef", nil); w.Code != http.StatusOK {
			t.Fatalf("read %d status = %d", i, w.Code)
		}
	}
	if n := env.api.readsBy("chef"); n != 1 {
		t.Errorf("backend reads with the staff token = %d, want 1", n)
	}

	if w := env.do(http.MethodGet, "/staff/restaurants/r1/kitchen", "staff-1", nil); w.Code != http.StatusOK {
		t.Fatalf("second staff member status = %d", w.Code)
	}
	if n := env.api.readsBy("staff-1"); n != 1 {
		t.Errorf("a new token must be checked against the backend, reads = %d", n)
	}
	if n := env.boards.Count(); n != 1 {
		t.Errorf("boards running = %d, want 1", n)
	}
}

func TestWriteDoesNotStartBoards(t *testing.T) {
	env := newPosEnv(t)

	w := env.do(http.MethodPost, "/staff/restaurants/r1/waiter-calls/c1/ack", "waiter-7", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ack status = %d", w.Code)
	}
	if n := env.boards.Count(); n != 0 {
		t.Errorf("boards running = %d after a write, want 0", n)
	}
}

func TestBearer(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{header: "Bearer abc", want: "abc", ok: true},
		{header: "bearer abc ", want: "abc", ok: true},
		{header: "Bearer ", ok: false},
		{header: "Basic abc", ok: false},
		{header: "", ok: false},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, ok := bearer(r)
		if got != tt.want || ok != tt.ok {
			t.Errorf("bearer(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}
