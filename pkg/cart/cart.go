package cart

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/aquamarinepk/aqm"
	"github.com/dishlens/dishlens/pkg/api"
	"github.com/dishlens/dishlens/pkg/kv"
	"github.com/shopspring/decimal"
)

const (
	MaxQuantity = 99

	keyPrefix = "dishlens_cart:"
)

var ErrLineNotFound = errors.New("cart line not found")

// Modifiers customize one cart line. Lines with equal modifiers for the same
// menu item are the same line.
type Modifiers struct {
	SpiceLevel          string   `json:"spiceLevel,omitempty"`
	SpiceOnSide         bool     `json:"spiceOnSide,omitempty"`
	AllergensAvoid      []string `json:"allergensAvoid,omitempty"`
	SpecialInstructions string   `json:"specialInstructions,omitempty"`
}

// ModifierPatch is a partial modifier update; nil fields are left alone.
type ModifierPatch struct {
	SpiceLevel          *string   `json:"spiceLevel,omitempty"`
	SpiceOnSide         *bool     `json:"spiceOnSide,omitempty"`
	AllergensAvoid      *[]string `json:"allergensAvoid,omitempty"`
	SpecialInstructions *string   `json:"specialInstructions,omitempty"`
}

func (p ModifierPatch) apply(m Modifiers) Modifiers {
	if p.SpiceLevel != nil {
		m.SpiceLevel = *p.SpiceLevel
	}
	if p.SpiceOnSide != nil {
		m.SpiceOnSide = *p.SpiceOnSide
	}
	if p.AllergensAvoid != nil {
		m.AllergensAvoid = append([]string(nil), (*p.AllergensAvoid)...)
	}
	if p.SpecialInstructions != nil {
		m.SpecialInstructions = *p.SpecialInstructions
	}
	return m
}

// Item is the menu data copied into a line when it is added.
type Item struct {
	MenuItemID string
	Name       string
	Price      decimal.Decimal
	ImageURL   string
}

// ItemFromMenu copies the fields a cart line keeps.
func ItemFromMenu(mi api.MenuItem) Item {
	return Item{MenuItemID: mi.ID, Name: mi.Name, Price: mi.Price, ImageURL: mi.ImageURL}
}

type Line struct {
	Key        string          `json:"key"`
	MenuItemID string          `json:"menuItemId"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int             `json:"quantity"`
	ImageURL   string          `json:"imageUrl,omitempty"`
	Modifiers  Modifiers       `json:"modifiers"`
}

func (l Line) Subtotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// LineKey derives a line identity from the menu item and its modifiers.
// Allergens are order-insensitive; instructions are case-insensitive. The
// normalized fields are encoded as a JSON array so no field value can
// spill into its neighbour.
func LineKey(menuItemID string, m Modifiers) string {
	key, _ := json.Marshal([]interface{}{
		menuItemID,
		strings.ToLower(strings.TrimSpace(m.SpiceLevel)),
		m.SpiceOnSide,
		normalizeAllergens(m.AllergensAvoid),
		strings.ToLower(strings.TrimSpace(m.SpecialInstructions)),
	})
	return string(key)
}

func normalizeAllergens(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func clamp(q int) int {
	if q < 0 {
		return 0
	}
	if q > MaxQuantity {
		return MaxQuantity
	}
	return q
}

// Cart is an ordered list of lines scoped to one restaurant and table
// session. Every mutation is written through to the store when one is set;
// storage failures are logged and the cart keeps working in memory.
type Cart struct {
	mu        sync.Mutex
	slug      string
	sessionID string
	lines     []Line
	store     kv.Store
	logger    aqm.Logger
}

func StorageKey(slug, tableSessionID string) string {
	return keyPrefix + slug + ":" + tableSessionID
}

// New returns an empty cart that is not persisted.
func New(slug, tableSessionID string) *Cart {
	return &Cart{slug: slug, sessionID: tableSessionID, logger: aqm.NewNoopLogger()}
}

// Load restores the cart for (slug, tableSessionID) from store.
func Load(ctx context.Context, store kv.Store, slug, tableSessionID string, logger aqm.Logger) *Cart {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	c := &Cart{slug: slug, sessionID: tableSessionID, store: store, logger: logger}
	if store == nil {
		return c
	}

	var lines []Line
	found, err := kv.GetJSON(ctx, store, c.storageKey(), &lines)
	if err != nil {
		logger.Info("cannot restore cart, starting empty", "slug", slug, "error", err)
		return c
	}
	if found {
		c.lines = sanitize(lines)
	}
	return c
}

// sanitize drops broken lines and re-derives keys so stored data always
// satisfies the key-uniqueness and quantity invariants.
func sanitize(lines []Line) []Line {
	out := make([]Line, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.MenuItemID == "" {
			continue
		}
		l.Quantity = clamp(l.Quantity)
		if l.Quantity == 0 {
			continue
		}
		l.Key = LineKey(l.MenuItemID, l.Modifiers)
		if i, ok := index[l.Key]; ok {
			out[i].Quantity = clamp(out[i].Quantity + l.Quantity)
			continue
		}
		index[l.Key] = len(out)
		out = append(out, l)
	}
	return out
}

func (c *Cart) storageKey() string {
	return StorageKey(c.slug, c.sessionID)
}

func (c *Cart) Slug() string           { return c.slug }
func (c *Cart) TableSessionID() string { return c.sessionID }

// Add merges quantity into the line with the same key or appends a new line.
// Non-positive quantities are ignored.
func (c *Cart) Add(ctx context.Context, item Item, quantity int, mods *Modifiers) (Line, bool) {
	if quantity <= 0 || item.MenuItemID == "" {
		return Line{}, false
	}

	var m Modifiers
	if mods != nil {
		m = *mods
		m.AllergensAvoid = append([]string(nil), mods.AllergensAvoid...)
	}
	key := LineKey(item.MenuItemID, m)

	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.indexOf(key); i >= 0 {
		c.lines[i].Quantity = clamp(c.lines[i].Quantity + quantity)
		c.persist(ctx)
		return c.lines[i], true
	}

	line := Line{
		Key:        key,
		MenuItemID: item.MenuItemID,
		Name:       item.Name,
		Price:      item.Price,
		Quantity:   clamp(quantity),
		ImageURL:   item.ImageURL,
		Modifiers:  m,
	}
	c.lines = append(c.lines, line)
	c.persist(ctx)
	return line, true
}

// SetQty sets the quantity of a line, removing it when quantity <= 0.
func (c *Cart) SetQty(ctx context.Context, key string, quantity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(key)
	if i < 0 {
		return ErrLineNotFound
	}
	quantity = clamp(quantity)
	if quantity == 0 {
		c.lines = append(c.lines[:i], c.lines[i+1:]...)
	} else {
		c.lines[i].Quantity = quantity
	}
	c.persist(ctx)
	return nil
}

// Remove drops a line.
func (c *Cart) Remove(ctx context.Context, key string) error {
	return c.SetQty(ctx, key, 0)
}

// EditLine applies patch to a line's modifiers and returns the line's new key.
// When the edited modifiers match another line, the edited line is merged into
// that line and removed, keeping keys unique.
func (c *Cart) EditLine(ctx context.Context, key string, patch ModifierPatch) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(key)
	if i < 0 {
		return "", ErrLineNotFound
	}

	mods := patch.apply(c.lines[i].Modifiers)
	newKey := LineKey(c.lines[i].MenuItemID, mods)

	if newKey == key {
		c.lines[i].Modifiers = mods
		c.persist(ctx)
		return key, nil
	}

	if j := c.indexOf(newKey); j >= 0 {
		c.lines[j].Quantity = clamp(c.lines[j].Quantity + c.lines[i].Quantity)
		c.lines = append(c.lines[:i], c.lines[i+1:]...)
		c.persist(ctx)
		return newKey, nil
	}

	c.lines[i].Modifiers = mods
	c.lines[i].Key = newKey
	c.persist(ctx)
	return newKey, nil
}

// Clear empties the cart.
func (c *Cart) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lines = nil
	if c.store == nil {
		return
	}
	if err := c.store.Delete(ctx, c.storageKey()); err != nil {
		c.logger.Info("cannot clear stored cart", "slug", c.slug, "error", err)
	}
}

// Lines returns a copy of the lines in insertion order.
func (c *Cart) Lines() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Line, len(c.lines))
	copy(out, c.lines)
	return out
}

// Line returns the line with key.
func (c *Cart) Line(key string) (Line, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.indexOf(key); i >= 0 {
		return c.lines[i], true
	}
	return Line{}, false
}

// Total is the sum of price × quantity over all lines.
func (c *Cart) Total() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := decimal.Zero
	for _, l := range c.lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

// Count is the number of units across all lines.
func (c *Cart) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, l := range c.lines {
		n += l.Quantity
	}
	return n
}

func (c *Cart) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines) == 0
}

// OrderLines converts the cart to the order submission payload.
func (c *Cart) OrderLines() []api.OrderLine {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]api.OrderLine, 0, len(c.lines))
	for _, l := range c.lines {
		out = append(out, api.OrderLine{
			MenuItemID:          l.MenuItemID,
			Quantity:            l.Quantity,
			SpiceLevel:          l.Modifiers.SpiceLevel,
			SpiceOnSide:         l.Modifiers.SpiceOnSide,
			AllergensAvoid:      normalizeAllergens(l.Modifiers.AllergensAvoid),
			SpecialInstructions: strings.TrimSpace(l.Modifiers.SpecialInstructions),
		})
	}
	return out
}

func (c *Cart) indexOf(key string) int {
	for i := range c.lines {
		if c.lines[i].Key == key {
			return i
		}
	}
	return -1
}

func (c *Cart) persist(ctx context.Context) {
	if c.store == nil {
		return
	}
	if err := kv.SetJSON(ctx, c.store, c.storageKey(), c.lines); err != nil {
		c.logger.Info("cannot persist cart, keeping it in memory", "slug", c.slug, "error", err)
	}
}
