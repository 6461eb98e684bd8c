package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/telemetry"
	"github.com/dishlens/dishlens/pkg/api"
	"github.com/dishlens/dishlens/pkg/cart"
	"github.com/dishlens/dishlens/pkg/event"
	"github.com/dishlens/dishlens/pkg/kv"
	"github.com/dishlens/dishlens/pkg/session"
	"github.com/dishlens/dishlens/pkg/tracking"
	"github.com/go-chi/chi/v5"
)

const MaxBodyBytes = 1 << 20

// Backend is the public REST API as seen by the storefront.
type Backend interface {
	session.Backend
	MenuFetcher
	tracking.Fetcher
	CreateOrder(ctx context.Context, slug string, req api.CreateOrderRequest) (*api.Order, error)
	CallWaiter(ctx context.Context, slug string, req api.CallWaiterRequest) (*api.WaiterCall, error)
}

type HandlerDeps struct {
	Backend  Backend
	Store    kv.Store
	Menus    *MenuCache
	Trackers *Trackers
	Emitter  *event.Emitter
}

type Handler struct {
	backend  Backend
	store    kv.Store
	menus    *MenuCache
	trackers *Trackers
	emitter  *event.Emitter
	locks    *deviceLocks
	logger   aqm.Logger
	tlm      *telemetry.HTTP
}

func NewHandler(deps HandlerDeps, logger aqm.Logger) *Handler {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	store := deps.Store
	if store == nil {
		store = kv.NewMemoryStore()
	}
	menus := deps.Menus
	if menus == nil {
		menus = NewMenuCache(deps.Backend, DefaultMenuTTL, logger)
	}
	trackers := deps.Trackers
	if trackers == nil {
		trackers = NewTrackers(deps.Backend, deps.Emitter, logger)
	}
	return &Handler{
		backend:  deps.Backend,
		store:    store,
		menus:    menus,
		trackers: trackers,
		emitter:  deps.Emitter,
		locks:    newDeviceLocks(),
		logger:   logger,
		tlm:      telemetry.NewHTTP(),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/r/{slug}", func(r chi.Router) {
		r.Use(DeviceID)

		r.Get("/session", h.ResolveSession)
		r.Get("/menu", h.GetMenu)

		r.Get("/cart", h.GetCart)
		r.Delete("/cart", h.ClearCart)
		r.Post("/cart/lines", h.AddLine)
		r.Put("/cart/lines/{key}", h.SetLineQuantity)
		r.Patch("/cart/lines/{key}", h.EditLine)

		r.Post("/orders", h.SubmitOrder)
		r.Get("/orders/current", h.CurrentOrder)
		r.Delete("/orders/current", h.ForgetOrder)
		r.Get("/orders/{orderID}/events", h.OrderEvents)

		r.Post("/waiter-calls", h.CallWaiter)
	})
}

func (h *Handler) log(r *http.Request) aqm.Logger {
	return h.logger.With("request_id", aqm.RequestIDFrom(r.Context()), "slug", chi.URLParam(r, "slug"))
}

// deviceStore scopes persisted state to the calling device.
func (h *Handler) deviceStore(r *http.Request) kv.Store {
	return kv.NewPrefixed(h.store, "device:"+DeviceIDFrom(r.Context())+":")
}

func (h *Handler) resolver(r *http.Request) *session.Resolver {
	return session.NewResolver(h.backend, h.deviceStore(r),
		session.WithDeviceIDs(session.FixedDeviceID(DeviceIDFrom(r.Context()))),
		session.WithLogger(h.log(r)),
	)
}

type sessionResponse struct {
	TableSessionID string         `json:"tableSessionId"`
	TableNumber    string         `json:"tableNumber"`
	ExpiresAt      *time.Time     `json:"expiresAt,omitempty"`
	CanOrder       bool           `json:"canOrder"`
	Source         session.Source `json:"source,omitempty"`
}

func newSessionResponse(ts *session.TableSession, src session.Source) sessionResponse {
	return sessionResponse{
		TableSessionID: ts.TableSessionID,
		TableNumber:    ts.TableNumber,
		ExpiresAt:      ts.ExpiresAt,
		CanOrder:       ts.CanOrder(),
		Source:         src,
	}
}

func (h *Handler) ResolveSession(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ResolveSession")
	defer finish()

	slug := chi.URLParam(r, "slug")
	q := r.URL.Query()

	ts, src, err := h.resolver(r).ResolveWithSource(r.Context(), slug, session.Params{
		Token: q.Get("t"),
		Table: q.Get("table"),
	})
	if errors.Is(err, session.ErrRescanRequired) {
		aqm.RespondError(w, http.StatusGone, session.ErrRescanRequired.Error())
		return
	}
	if err != nil {
		aqm.RespondError(w, http.StatusBadGateway, "Could not start a table session")
		return
	}

	aqm.Respond(w, http.StatusOK, newSessionResponse(ts, src), nil)
}

func (h *Handler) GetMenu(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.GetMenu")
	defer finish()

	menu, err := h.menus.Get(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.log(r).Error("cannot load menu", "error", err)
		respondBackendError(w, err, "Could not load menu")
		return
	}

	aqm.Respond(w, http.StatusOK, menu, nil)
}

type cartResponse struct {
	Lines []cart.Line `json:"lines"`
	Total string      `json:"total"`
	Count int         `json:"count"`
}

func newCartResponse(c *cart.Cart) cartResponse {
	return cartResponse{
		Lines: c.Lines(),
		Total: c.Total().StringFixed(2),
		Count: c.Count(),
	}
}

// lockCart holds the calling device's cart for slug until the returned func
// runs. Cart mutations load, change and save the whole cart.
func (h *Handler) lockCart(r *http.Request) func() {
	return h.locks.Lock(DeviceIDFrom(r.Context()) + "|" + chi.URLParam(r, "slug"))
}

// currentCart loads the cart of the table session already resolved for this
// device. It writes the error response itself when there is none.
func (h *Handler) currentCart(w http.ResponseWriter, r *http.Request) (*session.TableSession, *cart.Cart, bool) {
	slug := chi.URLParam(r, "slug")
	store := h.deviceStore(r)

	ts := h.resolver(r).Load(r.Context(), slug)
	if ts == nil {
		aqm.RespondError(w, http.StatusConflict, "No table session, scan the QR code on your table")
		return nil, nil, false
	}
	return ts, cart.Load(r.Context(), store, slug, ts.TableSessionID, h.log(r)), true
}

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.GetCart")
	defer finish()

	_, c, ok := h.currentCart(w, r)
	if !ok {
		return
	}
	aqm.Respond(w, http.StatusOK, newCartResponse(c), nil)
}

type AddLineRequest struct {
	MenuItemID string          `json:"menuItemId"`
	Quantity   *int            `json:"quantity,omitempty"`
	Modifiers  *cart.Modifiers `json:"modifiers,omitempty"`
}

func (h *Handler) AddLine(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.AddLine")
	defer finish()

	var req AddLineRequest
	if err := decodeBody(r, &req); err != nil || req.MenuItemID == "" {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid cart line")
		return
	}

	defer h.lockCart(r)()
	_, c, ok := h.currentCart(w, r)
	if !ok {
		return
	}

	menu, err := h.menus.Get(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.log(r).Error("cannot load menu", "error", err)
		respondBackendError(w, err, "Could not load menu")
		return
	}
	item, found := menu.FindItem(req.MenuItemID)
	if !found {
		aqm.RespondError(w, http.StatusNotFound, "Menu item not found")
		return
	}
	if !item.IsAvailable() {
		aqm.RespondError(w, http.StatusConflict, "Menu item is not available")
		return
	}

	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}
	c.Add(r.Context(), cart.ItemFromMenu(item), quantity, req.Modifiers)

	aqm.Respond(w, http.StatusOK, newCartResponse(c), nil)
}

type SetQuantityRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) SetLineQuantity(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.SetLineQuantity")
	defer finish()

	key, ok := lineKey(w, r)
	if !ok {
		return
	}
	var req SetQuantityRequest
	if err := decodeBody(r, &req); err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid quantity")
		return
	}

	defer h.lockCart(r)()
	_, c, ok := h.currentCart(w, r)
	if !ok {
		return
	}
	if err := c.SetQty(r.Context(), key, req.Quantity); err != nil {
		aqm.RespondError(w, http.StatusNotFound, "Cart line not found")
		return
	}

	aqm.Respond(w, http.StatusOK, newCartResponse(c), nil)
}

func (h *Handler) EditLine(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.EditLine")
	defer finish()

	key, ok := lineKey(w, r)
	if !ok {
		return
	}
	var patch cart.ModifierPatch
	if err := decodeBody(r, &patch); err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid modifiers")
		return
	}

	defer h.lockCart(r)()
	_, c, ok := h.currentCart(w, r)
	if !ok {
		return
	}
	newKey, err := c.EditLine(r.Context(), key, patch)
	if err != nil {
		aqm.RespondError(w, http.StatusNotFound, "Cart line not found")
		return
	}

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"key":  newKey,
		"cart": newCartResponse(c),
	}, nil)
}

func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ClearCart")
	defer finish()

	defer h.lockCart(r)()
	_, c, ok := h.currentCart(w, r)
	if !ok {
		return
	}
	c.Clear(r.Context())
	aqm.Respond(w, http.StatusOK, newCartResponse(c), nil)
}

type submitResponse struct {
	OrderView
	OrderToken string `json:"orderToken"`
}

// SubmitOrder places the cart as an order. The cart is only cleared once the
// API has accepted it.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.SubmitOrder")
	defer finish()
	log := h.log(r)
	ctx := r.Context()
	slug := chi.URLParam(r, "slug")

	defer h.lockCart(r)()
	ts, c, ok := h.currentCart(w, r)
	if !ok {
		return
	}
	if !ts.CanOrder() {
		aqm.RespondError(w, http.StatusForbidden, "This table session cannot place orders, please scan the QR code on your table")
		return
	}
	if c.IsEmpty() {
		aqm.RespondError(w, http.StatusBadRequest, "Cart is empty")
		return
	}

	order, err := h.backend.CreateOrder(ctx, slug, api.CreateOrderRequest{
		TableSessionID: ts.TableSessionID,
		SessionSecret:  ts.SessionSecret,
		DeviceID:       DeviceIDFrom(ctx),
		Lines:          c.OrderLines(),
	})
	if err != nil {
		log.Error("order submission failed", "error", err)
		respondBackendError(w, err, "Could not place order")
		return
	}

	c.Clear(ctx)

	store := h.deviceStore(r)
	rec := tracking.Record{OrderID: order.ID, OrderToken: order.OrderToken}
	if err := tracking.SaveRecord(ctx, store, slug, rec); err != nil {
		log.Info("cannot persist order tracking record", "order_id", order.ID, "error", err)
	}

	if _, err := h.trackers.Track(tracking.Target{Slug: slug, OrderID: order.ID, Token: order.OrderToken}); err != nil {
		log.Error("cannot start order tracking", "order_id", order.ID, "error", err)
	}

	evt := event.OrderStatusEvent{
		EventType:      event.EventOrderPlaced,
		RestaurantSlug: slug,
		OrderID:        order.ID,
		TableNumber:    ts.TableNumber,
		Status:         order.Status.Code(),
		Source:         "storefront",
	}
	if err := h.emitter.OrderStatus(ctx, evt); err != nil {
		log.Error("cannot publish order placed", "order_id", order.ID, "error", err)
	}

	log.Info("order placed", "order_id", order.ID, "table", ts.TableNumber)
	aqm.Respond(w, http.StatusCreated, submitResponse{
		OrderView:  NewOrderView(order),
		OrderToken: order.OrderToken,
	}, nil)
}

// CurrentOrder returns the latest snapshot of the order this device is
// tracking for the restaurant.
func (h *Handler) CurrentOrder(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.CurrentOrder")
	defer finish()
	ctx := r.Context()
	slug := chi.URLParam(r, "slug")

	rec, err := tracking.LoadRecord(ctx, h.deviceStore(r), slug)
	if err != nil {
		h.log(r).Info("cannot read order tracking record", "error", err)
	}
	if rec == nil {
		aqm.RespondError(w, http.StatusNotFound, "No order is being tracked")
		return
	}

	// A record the backend no longer honours is dropped instead of polled.
	var verified *api.Order
	if !h.trackers.Tracking(rec.OrderID) {
		verified, err = h.backend.GetOrder(ctx, slug, rec.OrderID, rec.OrderToken)
		if err != nil {
			if api.IsRefused(err) {
				h.log(r).Info("dropping refused order tracking record", "order_id", rec.OrderID, "error", err)
				if err := tracking.ClearRecord(ctx, h.deviceStore(r), slug); err != nil {
					h.log(r).Info("cannot clear order tracking record", "error", err)
				}
			}
			respondBackendError(w, err, "Could not load order")
			return
		}
		if verified.Status.IsTerminal() {
			aqm.Respond(w, http.StatusOK, NewOrderView(verified), nil)
			return
		}
	}

	tr, err := h.trackers.Track(tracking.Target{Slug: slug, OrderID: rec.OrderID, Token: rec.OrderToken})
	if err != nil {
		aqm.RespondError(w, http.StatusNotFound, "No order is being tracked")
		return
	}

	order, ok := tr.Latest()
	if !ok {
		order = verified
	}
	if order == nil {
		order, err = h.backend.GetOrder(ctx, slug, rec.OrderID, rec.OrderToken)
		if err != nil {
			respondBackendError(w, err, "Could not load order")
			return
		}
	}

	aqm.Respond(w, http.StatusOK, NewOrderView(order), nil)
}

// ForgetOrder stops tracking the current order for this device.
func (h *Handler) ForgetOrder(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ForgetOrder")
	defer finish()
	ctx := r.Context()
	slug := chi.URLParam(r, "slug")
	store := h.deviceStore(r)

	if rec, _ := tracking.LoadRecord(ctx, store, slug); rec != nil {
		h.trackers.Forget(rec.OrderID)
	}
	if err := tracking.ClearRecord(ctx, store, slug); err != nil {
		h.log(r).Info("cannot clear order tracking record", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) OrderEvents(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	orderID := chi.URLParam(r, "orderID")
	token := r.URL.Query().Get("token")
	if orderID == "" || token == "" {
		aqm.RespondError(w, http.StatusNotFound, "Order not found")
		return
	}

	if !h.trackers.Tracking(orderID) {
		if _, err := h.backend.GetOrder(r.Context(), slug, orderID, token); err != nil {
			respondBackendError(w, err, "Could not load order")
			return
		}
	}

	tr, err := h.trackers.Track(tracking.Target{Slug: slug, OrderID: orderID, Token: token})
	if err != nil {
		aqm.RespondError(w, http.StatusNotFound, "Order not found")
		return
	}

	h.streamOrder(w, r, tr)
}

type CallWaiterRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) CallWaiter(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.CallWaiter")
	defer finish()
	log := h.log(r)
	ctx := r.Context()
	slug := chi.URLParam(r, "slug")

	var req CallWaiterRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			aqm.RespondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	ts := h.resolver(r).Load(ctx, slug)
	if ts == nil {
		aqm.RespondError(w, http.StatusConflict, "No table session, scan the QR code on your table")
		return
	}
	if !ts.CanOrder() {
		aqm.RespondError(w, http.StatusForbidden, "This table session cannot call a waiter")
		return
	}

	call, err := h.backend.CallWaiter(ctx, slug, api.CallWaiterRequest{
		TableSessionID: ts.TableSessionID,
		SessionSecret:  ts.SessionSecret,
		Reason:         strings.TrimSpace(req.Reason),
	})
	if err != nil {
		log.Error("waiter call failed", "error", err)
		respondBackendError(w, err, "Could not call a waiter")
		return
	}

	if err := h.emitter.WaiterCall(ctx, event.WaiterCallEvent{
		RestaurantSlug: slug,
		CallID:         call.ID,
		TableNumber:    ts.TableNumber,
		Reason:         call.Reason,
	}); err != nil {
		log.Error("cannot publish waiter call", "error", err)
	}

	aqm.Respond(w, http.StatusCreated, call, nil)
}

func lineKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid cart line key")
		return "", false
	}
	return key, true
}

func decodeBody(r *http.Request, dest interface{}) error {
	body := io.LimitReader(r.Body, MaxBodyBytes)
	return json.NewDecoder(body).Decode(dest)
}

// respondBackendError passes client errors from the API through and reports
// everything else as a bad gateway.
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
