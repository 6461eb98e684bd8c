package pos

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/telemetry"
	"github.com/dishlens/dishlens/pkg/api"
	"github.com/dishlens/dishlens/pkg/enums/orderstatus"
	"github.com/dishlens/dishlens/pkg/event"
	"github.com/go-chi/chi/v5"
)

const MaxBodyBytes = 1 << 20

// StaffWriter is the write side of the staff API. It always acts with the
// calling staff member's token.
type StaffWriter interface {
	UpdateOrderStatus(ctx context.Context, restaurantID, orderID string, status orderstatus.Status) (*api.Order, error)
	AcknowledgeWaiterCall(ctx context.Context, restaurantID, callID string) (*api.WaiterCall, error)
}

// WriterFor returns a StaffWriter authenticated as token.
type WriterFor func(token string) StaffWriter

type HandlerDeps struct {
	Boards    *Boards
	WriterFor WriterFor
	Activity  *Activity
	Emitter   *event.Emitter
}

type Handler struct {
	boards    *Boards
	writerFor WriterFor
	activity  *Activity
	emitter   *event.Emitter
	logger    aqm.Logger
	tlm       *telemetry.HTTP
}

func NewHandler(deps HandlerDeps, logger aqm.Logger) *Handler {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	activity := deps.Activity
	if activity == nil {
		activity = NewActivity(DefaultActivitySize)
	}
	return &Handler{
		boards:    deps.Boards,
		writerFor: deps.WriterFor,
		activity:  activity,
		emitter:   deps.Emitter,
		logger:    logger,
		tlm:       telemetry.NewHTTP(),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/staff/restaurants/{restaurantID}", func(r chi.Router) {
		r.Get("/kitchen", h.KitchenBoard)
		r.Get("/floor", h.FloorBoard)
		r.Get("/waiter-calls", h.WaiterCallsBoard)
		r.Post("/waiter-calls/{callID}/ack", h.AcknowledgeWaiterCall)
		r.Patch("/orders/{orderID}/status", h.UpdateOrderStatus)
		r.Get("/activity", h.Activity)
	})
}

func (h *Handler) log(r *http.Request) aqm.Logger {
	return h.logger.With("request_id", aqm.RequestIDFrom(r.Context()), "restaurant_id", chi.URLParam(r, "restaurantID"))
}

// KitchenOrder is an order card with the transitions staff may pick next.
type KitchenOrder struct {
	ID          string              `json:"id"`
	Status      string              `json:"status"`
	Label       string              `json:"label"`
	Next        []string            `json:"next"`
	TableNumber string              `json:"tableNumber,omitempty"`
	TotalCents  int64               `json:"totalCents"`
	Lines       []api.OrderLineView `json:"lines,omitempty"`
}

func newKitchenOrder(o api.Order) KitchenOrder {
	next := orderstatus.Next(o.Status)
	codes := make([]string, 0, len(next))
	for _, s := range next {
		codes = append(codes, s.Code())
	}
	return KitchenOrder{
		ID:          o.ID,
		Status:      o.Status.Code(),
		Label:       o.Status.Label(),
		Next:        codes,
		TableNumber: o.TableNumber,
		TotalCents:  o.TotalCents,
		Lines:       o.Lines,
	}
}

// respondBoardError answers a board that could not be opened for the caller.
func (h *Handler) respondBoardError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	if errors.Is(err, ErrBoardsStopped) {
		aqm.RespondError(w, http.StatusServiceUnavailable, fallback)
		return
	}
	h.log(r).Info("board read refused", "error", err)
	respondBackendError(w, err, fallback)
}

func (h *Handler) KitchenBoard(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.KitchenBoard")
	defer finish()

	token, ok := bearer(r)
	if !ok {
		aqm.RespondError(w, http.StatusUnauthorized, "Missing bearer token")
		return
	}

	board, err := h.boards.Kitchen(r.Context(), chi.URLParam(r, "restaurantID"), token)
	if err != nil {
		h.respondBoardError(w, r, err, "Could not load orders")
		return
	}
	snap := board.Snapshot()

	columns := make(map[string][]KitchenOrder, len(openStatuses))
	for _, s := range openStatuses {
		columns[s.Code()] = []KitchenOrder{}
	}
	for _, o := range snap.Data {
		if o.Status.IsTerminal() {
			continue
		}
		code := o.Status.Code()
		columns[code] = append(columns[code], newKitchenOrder(o))
	}

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"columns":   columns,
		"updatedAt": snap.UpdatedAt,
		"stale":     snap.Error != "",
	}, nil)
}

func (h *Handler) FloorBoard(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.FloorBoard")
	defer finish()

	token, ok := bearer(r)
	if !ok {
		aqm.RespondError(w, http.StatusUnauthorized, "Missing bearer token")
		return
	}

	board, err := h.boards.Floor(r.Context(), chi.URLParam(r, "restaurantID"), token)
	if err != nil {
		h.respondBoardError(w, r, err, "Could not load tables")
		return
	}
	snap := board.Snapshot()

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"tables":    snap.Data,
		"updatedAt": snap.UpdatedAt,
		"stale":     snap.Error != "",
	}, nil)
}

func (h *Handler) WaiterCallsBoard(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.WaiterCallsBoard")
	defer finish()

	token, ok := bearer(r)
	if !ok {
		aqm.RespondError(w, http.StatusUnauthorized, "Missing bearer token")
		return
	}

	board, err := h.boards.WaiterCalls(r.Context(), chi.URLParam(r, "restaurantID"), token)
	if err != nil {
		h.respondBoardError(w, r, err, "Could not load waiter calls")
		return
	}
	snap := board.Snapshot()

	open := make([]api.WaiterCall, 0, len(snap.Data))
	for _, c := range snap.Data {
		if !c.Acknowledged {
			open = append(open, c)
		}
	}

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"calls":     open,
		"updatedAt": snap.UpdatedAt,
		"stale":     snap.Error != "",
	}, nil)
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateOrderStatus forwards a staff transition. When the kitchen board
// already knows the order, only the transitions it offers are accepted.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.UpdateOrderStatus")
	defer finish()
	log := h.log(r)
	ctx := r.Context()
	restaurantID := chi.URLParam(r, "restaurantID")
	orderID := chi.URLParam(r, "orderID")

	token, ok := bearer(r)
	if !ok {
		aqm.RespondError(w, http.StatusUnauthorized, "Missing bearer token")
		return
	}

	var req UpdateStatusRequest
	if err := decodeBody(r, &req); err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	target := orderstatus.ByName(req.Status)
	if target == nil {
		aqm.RespondError(w, http.StatusBadRequest, "Unknown order status")
		return
	}

	current, known := h.boards.KnownStatus(restaurantID, orderID)
	if known && !orderstatus.CanTransition(current, *target) {
		aqm.RespondError(w, http.StatusConflict, "Cannot move order from "+current.Label()+" to "+target.Label())
		return
	}

	order, err := h.writerFor(token).UpdateOrderStatus(ctx, restaurantID, orderID, *target)
	if err != nil {
		log.Error("order status update failed", "order_id", orderID, "error", err)
		respondBackendError(w, err, "Could not update order status")
		return
	}

	h.boards.Kick(restaurantID)

	evt := event.OrderStatusEvent{
		RestaurantID: restaurantID,
		OrderID:      order.ID,
		TableNumber:  order.TableNumber,
		Status:       order.Status.Code(),
		Source:       "pos",
	}
	if known {
		evt.PreviousStatus = current.Code()
	}
	if err := h.emitter.OrderStatus(ctx, evt); err != nil {
		log.Error("cannot publish order status", "order_id", order.ID, "error", err)
	}

	log.Info("order status updated", "order_id", order.ID, "status", order.Status.Code())
	aqm.Respond(w, http.StatusOK, newKitchenOrder(*order), nil)
}

func (h *Handler) AcknowledgeWaiterCall(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.AcknowledgeWaiterCall")
	defer finish()
	restaurantID := chi.URLParam(r, "restaurantID")
	callID := chi.URLParam(r, "callID")

	token, ok := bearer(r)
	if !ok {
		aqm.RespondError(w, http.StatusUnauthorized, "Missing bearer token")
		return
	}

	call, err := h.writerFor(token).AcknowledgeWaiterCall(r.Context(), restaurantID, callID)
	if err != nil {
		h.log(r).Error("waiter call acknowledge failed", "call_id", callID, "error", err)
		respondBackendError(w, err, "Could not acknowledge waiter call")
		return
	}

	h.boards.Kick(restaurantID)
	aqm.Respond(w, http.StatusOK, call, nil)
}

func (h *Handler) Activity(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.Activity")
	defer finish()

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"events": h.activity.List(r.URL.Query().Get("slug")),
	}, nil)
}

func bearer(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}

func decodeBody(r *http.Request, dest interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes)).Decode(dest)
}

func respondBackendError(w http.ResponseWriter, err error, fallback string) {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		msg := apiErr.Message
		if msg == "" {
			msg = fallback
		}
		aqm.RespondError(w, apiErr.StatusCode, msg)
		return
	}
	aqm.RespondError(w, http.StatusBadGateway, fallback)
}
