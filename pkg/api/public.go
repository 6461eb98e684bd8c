package api

import (
	"context"
	"net/url"
	"time"

	"github.com/dishlens/dishlens/pkg/enums/orderstatus"
	"github.com/shopspring/decimal"
)

// TableSession is the backend's answer to every table-session call.
type TableSession struct {
	TableSessionID string     `json:"tableSessionId"`
	TableNumber    string     `json:"tableNumber"`
	SessionSecret  string     `json:"sessionSecret,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

type ResolveSessionRequest struct {
	AccessToken string `json:"accessToken"`
	DeviceID    string `json:"deviceId"`
}

type StartSessionRequest struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId,omitempty"`
}

type GuestSessionRequest struct {
	TableNumber string `json:"tableNumber"`
	DeviceID    string `json:"deviceId"`
}

type Menu struct {
	RestaurantName string         `json:"restaurantName"`
	Currency       string         `json:"currency,omitempty"`
	Categories     []MenuCategory `json:"categories"`
}

type MenuCategory struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Items []MenuItem `json:"items"`
}

type MenuItem struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	ImageURL    string          `json:"imageUrl,omitempty"`
	Available   *bool           `json:"available,omitempty"`
	Allergens   []string        `json:"allergens,omitempty"`
	Spicy       bool            `json:"spicy,omitempty"`
}

// IsAvailable treats a missing flag as available.
func (i MenuItem) IsAvailable() bool {
	return i.Available == nil || *i.Available
}

// FindItem looks an item up across all categories.
func (m *Menu) FindItem(id string) (MenuItem, bool) {
	if m == nil {
		return MenuItem{}, false
	}
	for _, c := range m.Categories {
		for _, it := range c.Items {
			if it.ID == id {
				return it, true
			}
		}
	}
	return MenuItem{}, false
}

// OrderLine is one submitted cart line.
type OrderLine struct {
	MenuItemID          string   `json:"menuItemId"`
	Quantity            int      `json:"quantity"`
	SpiceLevel          string   `json:"spiceLevel,omitempty"`
	SpiceOnSide         bool     `json:"spiceOnSide,omitempty"`
	AllergensAvoid      []string `json:"allergensAvoid,omitempty"`
	SpecialInstructions string   `json:"specialInstructions,omitempty"`
}

type CreateOrderRequest struct {
	TableSessionID string      `json:"tableSessionId"`
	SessionSecret  string      `json:"sessionSecret"`
	DeviceID       string      `json:"deviceId"`
	Lines          []OrderLine `json:"lines"`
}

type OrderLineView struct {
	MenuItemID          string   `json:"menuItemId"`
	Name                string   `json:"name"`
	Quantity            int      `json:"quantity"`
	UnitPriceCents      int64    `json:"unitPriceCents"`
	SpiceLevel          string   `json:"spiceLevel,omitempty"`
	SpiceOnSide         bool     `json:"spiceOnSide,omitempty"`
	AllergensAvoid      []string `json:"allergensAvoid,omitempty"`
	SpecialInstructions string   `json:"specialInstructions,omitempty"`
}

// Order is an order snapshot. Status arrives already normalized.
type Order struct {
	ID          string             `json:"id"`
	OrderToken  string             `json:"orderToken,omitempty"`
	Status      orderstatus.Status `json:"status"`
	Lines       []OrderLineView    `json:"lines,omitempty"`
	TotalCents  int64              `json:"totalCents"`
	TableNumber string             `json:"tableNumber,omitempty"`
	CreatedAt   *time.Time         `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time         `json:"updatedAt,omitempty"`
}

type CallWaiterRequest struct {
	TableSessionID string `json:"tableSessionId"`
	SessionSecret  string `json:"sessionSecret"`
	Reason         string `json:"reason,omitempty"`
}

type WaiterCall struct {
	ID           string     `json:"id"`
	TableNumber  string     `json:"tableNumber"`
	Reason       string     `json:"reason,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	Acknowledged bool       `json:"acknowledged"`
}

func (c *Client) ResolveTableSession(ctx context.Context, slug string, req ResolveSessionRequest) (*TableSession, error) {
	var out TableSession
	path := restaurantPath("/public/restaurants/%s/table-sessions/resolve", slug)
	if err := c.do(ctx, "POST", path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartTableSession(ctx context.Context, slug string, req StartSessionRequest) (*TableSession, error) {
	var out TableSession
	path := restaurantPath("/public/restaurants/%s/table-sessions/start", slug)
	if err := c.do(ctx, "POST", path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartGuestSession(ctx context.Context, slug string, req GuestSessionRequest) (*TableSession, error) {
	var out TableSession
	path := restaurantPath("/public/restaurants/%s/table-sessions/guest", slug)
	if err := c.do(ctx, "POST", path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetMenu(ctx context.Context, slug string) (*Menu, error) {
	var out Menu
	path := restaurantPath("/public/restaurants/%s/menu", slug)
	if err := c.do(ctx, "GET", path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateOrder(ctx context.Context, slug string, req CreateOrderRequest) (*Order, error) {
	var out Order
	path := restaurantPath("/public/restaurants/%s/orders", slug)
	if err := c.do(ctx, "POST", path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrder polls an order with its capability token; no bearer is needed.
func (c *Client) GetOrder(ctx context.Context, slug, orderID, token string) (*Order, error) {
	var out Order
	path := restaurantPath("/public/restaurants/%s/orders/%s", slug, orderID)
	q := url.Values{}
	q.Set("token", token)
	if err := c.do(ctx, "GET", path, q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CallWaiter(ctx context.Context, slug string, req CallWaiterRequest) (*WaiterCall, error) {
	var out WaiterCall
	path := restaurantPath("/public/restaurants/%s/waiter-calls", slug)
	if err := c.do(ctx, "POST", path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
