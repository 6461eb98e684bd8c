package api

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/dishlens/dishlens/pkg/enums/orderstatus"
)

// Table is one entry of the restaurant floor map.
type Table struct {
	ID          string `json:"id"`
	Number      string `json:"number"`
	Status      string `json:"status"`
	Seats       int    `json:"seats,omitempty"`
	OpenOrders  int    `json:"openOrders"`
	WaiterID    string `json:"waiterId,omitempty"`
	HasCallOpen bool   `json:"hasCallOpen"`
}

type UpdateOrderStatusRequest struct {
	Status orderstatus.Status `json:"status"`
}

// Restaurant, Plan and AuditLog back the platform console.
type Restaurant struct {
	ID        string     `json:"id"`
	Slug      string     `json:"slug"`
	Name      string     `json:"name"`
	PlanID    string     `json:"planId,omitempty"`
	Active    bool       `json:"active"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

type Plan struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	PriceCents      int64  `json:"priceCents"`
	MaxTables       int    `json:"maxTables"`
	MaxWaiters      int    `json:"maxWaiters"`
	BillingInterval string `json:"billingInterval,omitempty"`
}

type AuditLog struct {
	ID         string     `json:"id"`
	Actor      string     `json:"actor"`
	Action     string     `json:"action"`
	TargetType string     `json:"targetType,omitempty"`
	TargetID   string     `json:"targetId,omitempty"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
}

// ListOrders lists restaurant orders, optionally restricted to statuses.
func (c *Client) ListOrders(ctx context.Context, restaurantID string, statuses ...orderstatus.Status) ([]Order, error) {
	var out []Order
	q := url.Values{}
	for _, s := range statuses {
		q.Add("status", s.Code())
	}
	path := restaurantPath("/restaurants/%s/orders", restaurantID)
	if err := c.do(ctx, "GET", path, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateOrderStatus(ctx context.Context, restaurantID, orderID string, status orderstatus.Status) (*Order, error) {
	var out Order
	path := restaurantPath("/restaurants/%s/orders/%s/status", restaurantID, orderID)
	if err := c.do(ctx, "PATCH", path, nil, UpdateOrderStatusRequest{Status: status}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListTables(ctx context.Context, restaurantID string) ([]Table, error) {
	var out []Table
	path := restaurantPath("/restaurants/%s/tables", restaurantID)
	if err := c.do(ctx, "GET", path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListWaiterCalls(ctx context.Context, restaurantID string) ([]WaiterCall, error) {
	var out []WaiterCall
	path := restaurantPath("/restaurants/%s/waiter-calls", restaurantID)
	if err := c.do(ctx, "GET", path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AcknowledgeWaiterCall(ctx context.Context, restaurantID, callID string) (*WaiterCall, error) {
	var out WaiterCall
	path := restaurantPath("/restaurants/%s/waiter-calls/%s/ack", restaurantID, callID)
	if err := c.do(ctx, "POST", path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListRestaurants(ctx context.Context) ([]Restaurant, error) {
	var out []Restaurant
	if err := c.do(ctx, "GET", "/platform/restaurants", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListPlans(ctx context.Context) ([]Plan, error) {
	var out []Plan
	if err := c.do(ctx, "GET", "/platform/plans", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListAuditLogs(ctx context.Context, limit int) ([]AuditLog, error) {
	var out []AuditLog
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := c.do(ctx, "GET", "/platform/audit-logs", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
