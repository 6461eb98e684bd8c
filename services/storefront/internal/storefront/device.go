package storefront

import (
	"context"
	"net/http"
	"time"

	"github.com/dishlens/dishlens/pkg/session"
	"github.com/google/uuid"
)

const (
	DeviceCookie    = session.DeviceIDKey
	deviceCookieAge = 365 * 24 * time.Hour
)

type deviceKey struct{}

// DeviceID makes sure every request carries a device id, issuing a cookie on
// first contact. The id scopes all persisted guest state.
func DeviceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if c, err := r.Cookie(DeviceCookie); err == nil {
			if parsed, err := uuid.Parse(c.Value); err == nil {
				id = parsed.String()
			}
		}
		if id == "" {
			id = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     DeviceCookie,
				Value:    id,
				Path:     "/",
				MaxAge:   int(deviceCookieAge.Seconds()),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deviceKey{}, id)))
	})
}

// DeviceIDFrom returns the device id set by the DeviceID middleware.
func DeviceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(deviceKey{}).(string)
	return id
}
