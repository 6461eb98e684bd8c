package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aquamarinepk/aqm"
	"github.com/dishlens/dishlens/pkg/api"
	"github.com/dishlens/dishlens/pkg/kv"
)

const (
	sessionKeyPrefix = "dishlens_table_session:"

	minTokenLen       = 8
	minAccessTokenLen = 16
	maxTableNumberLen = 40
	defaultTable      = "1"
)

// ErrRescanRequired is returned when a QR access token has expired or was
// revoked. Its message is meant for the guest.
var ErrRescanRequired = errors.New("this table link has expired, please rescan the QR code on your table")

// TableSession binds a device to a physical table for one visit.
type TableSession struct {
	TableSessionID string     `json:"tableSessionId"`
	TableNumber    string     `json:"tableNumber"`
	SessionSecret  string     `json:"sessionSecret,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether expiresAt is set and has passed at now.
func (s *TableSession) Expired(now time.Time) bool {
	return s != nil && s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// CanOrder reports whether the session carries the secret needed to order.
func (s *TableSession) CanOrder() bool {
	return s != nil && s.SessionSecret != ""
}

// Params are the inputs found on the page URL.
type Params struct {
	// Token is the `t` query parameter.
	Token string
	// Table is the `table` query parameter.
	Table string
}

// Source names which rule produced a session.
type Source string

const (
	SourceAccessToken Source = "access_token"
	SourceLegacyToken Source = "legacy_token"
	SourceGuest       Source = "guest"
	SourcePersisted   Source = "persisted"
	SourceExpired     Source = "expired_renewed"
	SourceDefault     Source = "default_guest"
)

// Backend is the subset of the REST API the resolver calls.
type Backend interface {
	ResolveTableSession(ctx context.Context, slug string, req api.ResolveSessionRequest) (*api.TableSession, error)
	StartTableSession(ctx context.Context, slug string, req api.StartSessionRequest) (*api.TableSession, error)
	StartGuestSession(ctx context.Context, slug string, req api.GuestSessionRequest) (*api.TableSession, error)
}

type Resolver struct {
	backend Backend
	store   kv.Store
	devices DeviceIDSource
	logger  aqm.Logger
	now     func() time.Time
}

type Option func(*Resolver)

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(logger aqm.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithDeviceIDs(src DeviceIDSource) Option {
	return func(r *Resolver) {
		if src != nil {
			r.devices = src
		}
	}
}

// NewResolver builds a resolver. A nil store means nothing survives a reload.
func NewResolver(backend Backend, store kv.Store, opts ...Option) *Resolver {
	r := &Resolver{
		backend: backend,
		store:   store,
		logger:  aqm.NewNoopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.devices == nil {
		r.devices = NewStoredDeviceID(store, r.logger)
	}
	return r
}

func Key(slug string) string {
	return sessionKeyPrefix + slug
}

// Resolve produces the table session for slug. On failure the session is nil
// and the error is either ErrRescanRequired or the underlying cause.
func (r *Resolver) Resolve(ctx context.Context, slug string, p Params) (*TableSession, error) {
	ts, _, err := r.ResolveWithSource(ctx, slug, p)
	return ts, err
}

// ResolveWithSource is Resolve plus the rule that produced the session.
func (r *Resolver) ResolveWithSource(ctx context.Context, slug string, p Params) (*TableSession, Source, error) {
	ts, src, err := r.resolve(ctx, slug, p)
	if err != nil {
		r.logger.Error("table session resolution failed", "slug", slug, "error", err)
		return nil, "", err
	}
	r.logger.Debug("table session resolved", "slug", slug, "source", string(src), "table", ts.TableNumber)
	return ts, src, nil
}

func (r *Resolver) resolve(ctx context.Context, slug string, p Params) (*TableSession, Source, error) {
	if slug == "" {
		return nil, "", fmt.Errorf("missing restaurant slug")
	}

	token := strings.TrimSpace(p.Token)
	if len(token) >= minTokenLen {
		return r.fromToken(ctx, slug, token)
	}

	if table := strings.TrimSpace(p.Table); table != "" {
		ts, err := r.startGuest(ctx, slug, table)
		return ts, SourceGuest, err
	}

	stored := r.Load(ctx, slug)
	if stored != nil {
		if !stored.Expired(r.now()) {
			return stored, SourcePersisted, nil
		}
		r.logger.Info("persisted table session expired", "slug", slug, "table", stored.TableNumber)
		r.Clear(ctx, slug)
		ts, err := r.startGuest(ctx, slug, stored.TableNumber)
		return ts, SourceExpired, err
	}

	ts, err := r.startGuest(ctx, slug, defaultTable)
	return ts, SourceDefault, err
}

func (r *Resolver) fromToken(ctx context.Context, slug, token string) (*TableSession, Source, error) {
	deviceID := r.devices.DeviceID(ctx)

	if IsAccessToken(token) {
		resp, err := r.backend.ResolveTableSession(ctx, slug, api.ResolveSessionRequest{
			AccessToken: token,
			DeviceID:    deviceID,
		})
		if err != nil {
			if api.IsExpiredOrRevoked(err) {
				return nil, "", fmt.Errorf("%w: %v", ErrRescanRequired, err)
			}
			return nil, "", fmt.Errorf("resolve access token: %w", err)
		}
		return r.persist(ctx, slug, resp), SourceAccessToken, nil
	}

	resp, err := r.backend.StartTableSession(ctx, slug, api.StartSessionRequest{
		Token:    token,
		DeviceID: deviceID,
	})
	if err != nil {
		return nil, "", fmt.Errorf("start table session: %w", err)
	}
	return r.persist(ctx, slug, resp), SourceLegacyToken, nil
}

func (r *Resolver) startGuest(ctx context.Context, slug, table string) (*TableSession, error) {
	resp, err := r.backend.StartGuestSession(ctx, slug, api.GuestSessionRequest{
		TableNumber: NormalizeTableNumber(table),
		DeviceID:    r.devices.DeviceID(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("start guest session: %w", err)
	}
	return r.persist(ctx, slug, resp), nil
}

func (r *Resolver) persist(ctx context.Context, slug string, resp *api.TableSession) *TableSession {
	ts := &TableSession{
		TableSessionID: resp.TableSessionID,
		TableNumber:    resp.TableNumber,
		SessionSecret:  resp.SessionSecret,
		ExpiresAt:      resp.ExpiresAt,
	}
	if r.store == nil {
		return ts
	}
	if err := kv.SetJSON(ctx, r.store, Key(slug), ts); err != nil {
		r.logger.Info("cannot persist table session, keeping it in memory", "slug", slug, "error", err)
	}
	return ts
}

// Load returns the persisted session for slug, nil when absent or unreadable.
func (r *Resolver) Load(ctx context.Context, slug string) *TableSession {
	if r.store == nil {
		return nil
	}
	var ts TableSession
	found, err := kv.GetJSON(ctx, r.store, Key(slug), &ts)
	if err != nil {
		r.logger.Info("cannot read persisted table session", "slug", slug, "error", err)
		return nil
	}
	if !found || ts.TableSessionID == "" {
		return nil
	}
	return &ts
}

// Clear forgets the persisted session for slug.
func (r *Resolver) Clear(ctx context.Context, slug string) {
	if r.store == nil {
		return
	}
	if err := r.store.Delete(ctx, Key(slug)); err != nil {
		r.logger.Info("cannot clear persisted table session", "slug", slug, "error", err)
	}
}

// IsAccessToken tells capability access tokens apart from legacy signed
// tokens, which are dot-delimited.
func IsAccessToken(token string) bool {
	return len(token) >= minAccessTokenLen && !strings.Contains(token, ".")
}

// NormalizeTableNumber trims and caps a guest-entered table number.
func NormalizeTableNumber(table string) string {
	table = strings.TrimSpace(table)
	if table == "" {
		return defaultTable
	}
	if utf8.RuneCountInString(table) > maxTableNumberLen {
		runes := []rune(table)
		table = strings.TrimSpace(string(runes[:maxTableNumberLen]))
	}
	return table
}
