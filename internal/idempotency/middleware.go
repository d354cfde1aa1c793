package idempotency

import (
	"bytes"
	"net/http"
)

// Header is the request header producers set to make a mutating call safe
// to retry (spec.md §8's "registering the same slave twice" round-trip
// property, strengthened at the transport edge per SPEC_FULL.md §3).
const Header = "Idempotency-Key"

// recorder buffers a handler's response so it can be cached verbatim.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Wrap replays a cached response when the incoming request carries an
// Idempotency-Key already seen, and otherwise records next's response
// under that key. Requests without the header pass through untouched.
func (s *Store) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(Header)
		if key == "" {
			next(w, r)
			return
		}

		if cached, ok := s.Get(r.Context(), key); ok {
			for k, vs := range cached.Headers {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(cached.StatusCode)
			w.Write(cached.Body)
			return
		}

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		s.Set(r.Context(), key, Response{
			StatusCode: rec.status,
			Body:       rec.body.Bytes(),
			Headers:    w.Header().Clone(),
		})
	}
}
