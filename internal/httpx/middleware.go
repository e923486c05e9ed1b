package httpx

import (
	"context"
	"net/http"

	"github.com/mercura/storefront-orders/internal/orders"
)

// Identity is what the auth collaborator resolved for this request. It
// arrives in headers set by the gateway after credential validation; no
// field of the credential itself reaches this service, and nothing here is
// ever trusted as a payment-status claim.
type Identity struct {
	orders.Requester
	Contact string
}

type ctxKey int

const identityKey ctxKey = 0

const (
	headerUserID      = "X-User-Id"
	headerUserRole    = "X-User-Role"
	headerUserContact = "X-User-Contact"
)

// RequireIdentity rejects requests the auth collaborator did not annotate.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(headerUserID)
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		id := Identity{
			Requester: orders.Requester{
				ID:    userID,
				Admin: r.Header.Get(headerUserRole) == "admin",
			},
			Contact: r.Header.Get(headerUserContact),
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin sits behind RequireIdentity on admin-only routes.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := IdentityFrom(r.Context()); !ok || !id.Admin {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin only"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
