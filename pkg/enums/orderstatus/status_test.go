package orderstatus

import (
	"encoding/json"
	"testing"
)

func TestNormalizeLegacyNames(t *testing.T) {
	tests := []struct {
		name   string
		legacy string
		want   Status
	}{
		{name: "newIsPlaced", legacy: "NEW", want: Statuses.Placed},
		{name: "inProgressIsInKitchen", legacy: "IN_PROGRESS", want: Statuses.InKitchen},
		{name: "doneIsReady", legacy: "DONE", want: Statuses.Ready},
		{name: "lowercaseLegacy", legacy: "done", want: Statuses.Ready},
		{name: "currentUnchanged", legacy: "SERVING", want: Statuses.Serving},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.legacy)
			if got != tt.want {
				t.Errorf("Normalize(%q) = %v, want %v", tt.legacy, got, tt.want)
			}
		})
	}
}

func TestLegacyAndCurrentDisplayIdentically(t *testing.T) {
	pairs := [][2]string{
		{"NEW", "PLACED"},
		{"IN_PROGRESS", "IN_KITCHEN"},
		{"DONE", "READY"},
	}

	for _, p := range pairs {
		legacyLabel := Normalize(p[0]).Label()
		currentLabel := Normalize(p[1]).Label()
		if legacyLabel != currentLabel {
			t.Errorf("label(%s) = %q, label(%s) = %q", p[0], legacyLabel, p[1], currentLabel)
		}
	}
}

func TestLabel(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{Statuses.Placed, "Placed"},
		{Statuses.InKitchen, "In Kitchen"},
		{Statuses.Ready, "Ready"},
		{Statuses.Cancelled, "Cancelled"},
	}

	for _, tt := range tests {
		if got := tt.status.Label(); got != tt.want {
			t.Errorf("%s.Label() = %q, want %q", tt.status.Name, got, tt.want)
		}
	}
}

func TestByNameUnknown(t *testing.T) {
	if s := ByName("ON_FIRE"); s != nil {
		t.Errorf("ByName() = %v, want nil", s)
	}

	got := Normalize("on_fire")
	if got.Name != "ON_FIRE" {
		t.Errorf("Normalize() kept %q, want ON_FIRE", got.Name)
	}
	if got.IsTerminal() {
		t.Error("unknown status should not be terminal")
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range All {
		want := s == Statuses.Served || s == Statuses.Cancelled
		if s.IsTerminal() != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", s.Name, s.IsTerminal(), want)
		}
	}
}

func TestNextAndCanTransition(t *testing.T) {
	if !CanTransition(Statuses.Placed, Statuses.InKitchen) {
		t.Error("PLACED should allow IN_KITCHEN")
	}
	if !CanTransition(Statuses.Serving, Statuses.Cancelled) {
		t.Error("SERVING should allow CANCELLED")
	}
	if CanTransition(Statuses.Placed, Statuses.Served) {
		t.Error("PLACED should not jump to SERVED")
	}
	if len(Next(Statuses.Served)) != 0 {
		t.Error("terminal status should offer no transitions")
	}
	if len(Next(Statuses.Cancelled)) != 0 {
		t.Error("terminal status should offer no transitions")
	}
}

func TestUnmarshalNormalizes(t *testing.T) {
	var payload struct {
		Status Status `json:"status"`
	}

	if err := json.Unmarshal([]byte(`{"status":"IN_PROGRESS"}`), &payload); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if payload.Status != Statuses.InKitchen {
		t.Errorf("Status = %v, want IN_KITCHEN", payload.Status)
	}

	out, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != `{"status":"IN_KITCHEN"}` {
		t.Errorf("Marshal() = %s", out)
	}
}
