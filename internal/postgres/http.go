package postgres

import (
	"net/http"

	"github.com/linnemanlabs/go-core/log"
)

// Middleware attaches the request method and a fresh ReqDBStats to every
// request context, and logs the totals for requests that touched the
// database.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithHTTPMethod(r.Context(), r.Method)
		ctx = NewReqDBStatsContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))

		stats, _ := ReqDBStatsFromContext(ctx)
		stats.mu.Lock()
		queries, dur, errs := stats.QueryCount, stats.TotalDuration, stats.ErrorCount
		stats.mu.Unlock()
		if queries == 0 {
			return
		}
		log.FromContext(ctx).Info(ctx, "request db stats",
			"db.queries", queries,
			"db.duration", dur.Seconds(),
			"db.errors", errs,
		)
	})
}
