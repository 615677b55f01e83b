package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/platinummonkey/dealerops/pkg/contextkeys"
	"github.com/platinummonkey/dealerops/pkg/httputil"
	"github.com/platinummonkey/dealerops/pkg/observability"
	"github.com/platinummonkey/dealerops/pkg/rbac"
)

const (
	// UserIDHeader carries the id of the user the upstream proxy authenticated
	UserIDHeader = "X-User-ID"

	// DealerIDHeader lets system administrators act within a dealership
	DealerIDHeader = "X-Dealer-ID"
)

// SubjectDirectory loads the users requests are made for
type SubjectDirectory interface {
	FetchUser(ctx context.Context, userID int64) (rbac.Subject, error)
}

// SubjectMiddleware resolves the request's subject from UserIDHeader.
// Identity is established upstream; this only loads the user's attributes.
// Requests without a known active user are rejected.
func SubjectMiddleware(directory SubjectDirectory, logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok, err := httputil.ParseHeaderInt64(r, UserIDHeader)
			if err != nil || !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			subject, err := directory.FetchUser(r.Context(), userID)
			if err != nil {
				if errors.Is(err, rbac.ErrNotFound) {
					httputil.WriteUnauthorized(w, "authentication required")
					return
				}
				logger.WithError(err).WithField("user_id", userID).Error("failed to load subject")
				httputil.WriteServiceUnavailable(w, string(rbac.CategoryUnavailable))
				return
			}

			dealerID, ok, err := httputil.ParseHeaderInt64(r, DealerIDHeader)
			if err != nil {
				httputil.WriteBadRequest(w, err.Error())
				return
			}
			if ok && dealerID != subject.DealerID {
				if !subject.IsSystemAdmin {
					httputil.WriteForbidden(w, string(rbac.CategoryDenied))
					return
				}
				subject.DealerID = dealerID
			}

			ctx := rbac.WithSubject(r.Context(), subject)
			ctx = contextkeys.WithUserID(ctx, strconv.FormatInt(subject.ID, 10))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
