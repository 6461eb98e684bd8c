package storefront

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dishlens/dishlens/pkg/api"
	"github.com/google/uuid"
)

const keepaliveInterval = 30 * time.Second

// OrderView is what guests see of an order. Label is the display text of the
// normalized status.
type OrderView struct {
	ID          string              `json:"id"`
	Status      string              `json:"status"`
	Label       string              `json:"label"`
	Terminal    bool                `json:"terminal"`
	TableNumber string              `json:"tableNumber,omitempty"`
	TotalCents  int64               `json:"totalCents"`
	Lines       []api.OrderLineView `json:"lines,omitempty"`
	UpdatedAt   *time.Time          `json:"updatedAt,omitempty"`
}

func NewOrderView(o *api.Order) OrderView {
	return OrderView{
		ID:          o.ID,
		Status:      o.Status.Code(),
		Label:       o.Status.Label(),
		Terminal:    o.Status.IsTerminal(),
		TableNumber: o.TableNumber,
		TotalCents:  o.TotalCents,
		Lines:       o.Lines,
		UpdatedAt:   o.UpdatedAt,
	}
}

// streamOrder writes order snapshots as server-sent events until the order is
// terminal or the client goes away.
func (h *Handler) streamOrder(w http.ResponseWriter, r *http.Request, tr *Tracker) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	log := h.log(r)
	subscriberID := uuid.New().String()
	updates, unsubscribe := tr.Subscribe(subscriberID)
	defer unsubscribe()

	flush := func() {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}

	fmt.Fprintf(w, ": connected\n\n")
	fmt.Fprintf(w, "retry: 2000\n\n")

	lastStatus := ""
	if latest, ok := tr.Latest(); ok {
		if err := writeStatus(w, latest); err != nil {
			log.Error("cannot write order snapshot", "error", err)
			return
		}
		lastStatus = latest.Status.Code()
	}
	flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("order stream client disconnected", "subscriber_id", subscriberID)
			return

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flush()

		case order, ok := <-updates:
			if !ok {
				if latest, found := tr.Latest(); found && latest.Status.Code() != lastStatus {
					_ = writeStatus(w, latest)
				}
				fmt.Fprintf(w, "event: done\ndata: {}\n\n")
				flush()
				return
			}
			if err := writeStatus(w, order); err != nil {
				log.Error("cannot write order snapshot", "error", err)
				return
			}
			lastStatus = order.Status.Code()
			flush()
		}
	}
}

func writeStatus(w http.ResponseWriter, order *api.Order) error {
	data, err := json.Marshal(NewOrderView(order))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	return err
}
