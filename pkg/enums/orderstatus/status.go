package orderstatus

import (
	"encoding/json"
	"strings"
)

// Status is an order status as understood by the ordering surfaces. Legacy
// names are folded into their current equivalent when a Status is decoded, so
// code past the decode boundary never sees NEW, IN_PROGRESS or DONE.
type Status struct {
	Name string
}

func (s Status) Code() string {
	return s.Name
}

func (s Status) Label() string {
	parts := strings.Split(strings.ToLower(s.Name), "_")
	for i := range parts {
		if len(parts[i]) > 0 {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, " ")
}

func (s Status) String() string {
	return s.Name
}

func (s Status) IsZero() bool {
	return s.Name == ""
}

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	return s == Statuses.Served || s == Statuses.Cancelled
}

type Enum struct {
	Placed    Status
	InKitchen Status
	Ready     Status
	Serving   Status
	Served    Status
	Cancelled Status
}

var Statuses = Enum{
	Placed:    Status{Name: "PLACED"},
	InKitchen: Status{Name: "IN_KITCHEN"},
	Ready:     Status{Name: "READY"},
	Serving:   Status{Name: "SERVING"},
	Served:    Status{Name: "SERVED"},
	Cancelled: Status{Name: "CANCELLED"},
}

var All = []Status{
	Statuses.Placed,
	Statuses.InKitchen,
	Statuses.Ready,
	Statuses.Serving,
	Statuses.Served,
	Statuses.Cancelled,
}

var legacy = map[string]Status{
	"NEW":         Statuses.Placed,
	"IN_PROGRESS": Statuses.InKitchen,
	"DONE":        Statuses.Ready,
}

// ByName returns the status for a current or legacy name, or nil if unknown.
func ByName(name string) *Status {
	key := strings.ToUpper(strings.TrimSpace(name))
	if s, ok := legacy[key]; ok {
		return &s
	}
	for _, s := range All {
		if s.Name == key {
			return &s
		}
	}
	return nil
}

// Normalize maps a raw status to its current form. Unknown names are kept
// (upper-cased) so newer server states still round-trip.
func Normalize(name string) Status {
	if s := ByName(name); s != nil {
		return *s
	}
	return Status{Name: strings.ToUpper(strings.TrimSpace(name))}
}

// Next lists the transitions staff screens offer for the current status.
// Terminal and unknown statuses offer nothing.
func Next(s Status) []Status {
	switch s {
	case Statuses.Placed:
		return []Status{Statuses.InKitchen, Statuses.Cancelled}
	case Statuses.InKitchen:
		return []Status{Statuses.Ready, Statuses.Cancelled}
	case Statuses.Ready:
		return []Status{Statuses.Serving, Statuses.Cancelled}
	case Statuses.Serving:
		return []Status{Statuses.Served, Statuses.Cancelled}
	}
	return nil
}

// CanTransition reports whether to is offered from from.
func CanTransition(from, to Status) bool {
	for _, s := range Next(from) {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Name)
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Normalize(raw)
	return nil
}
