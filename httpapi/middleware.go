package httpapi

import (
	"context"
	"net/http"

	"github.com/creeklabs/creek/auth"
	"github.com/creeklabs/creek/errs"
)

type contextKey int

const authResultKey contextKey = iota

// limitBody bounds the request body to MaxBodyBytes before anything else
// reads it, rejecting oversized payloads with 413 rather than buffering
// them unbounded for SigV4 verification.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// authenticateSQS runs the SigV4/native auth pipeline ahead of any
// request-id or logging middleware, since those may read or alter the
// body or path that the signature was computed over.
func (s *Server) authenticateSQS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := s.Pipeline.Authenticate(r.Context(), r)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), authResultKey, result)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func authResultFrom(r *http.Request) (auth.Result, bool) {
	v, ok := r.Context().Value(authResultKey).(auth.Result)
	return v, ok
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.StatusCode(err))
	_, _ = w.Write([]byte(`{"error":"` + errs.ClientMessage(err) + `"}`))
}
