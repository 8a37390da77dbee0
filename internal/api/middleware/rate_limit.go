package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/autodebet/collection-engine/internal/api/problem"
	"github.com/go-chi/httprate"
)

// CallbackRateLimiter limits vendor callback requests per source IP. Vendors
// retry on 429, so a burst from one misbehaving adapter cannot starve the
// settlement path for the others.
func CallbackRateLimiter(rps int) func(http.Handler) http.Handler {
	return httprate.Limit(rps, time.Second,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			problem.Write(
				w,
				r,
				http.StatusTooManyRequests,
				problem.Type("rate-limit-exceeded"),
				http.StatusText(http.StatusTooManyRequests),
				fmt.Sprintf("Rate limit of %d req/s exceeded for this IP", rps),
			)
		}),
	)
}
