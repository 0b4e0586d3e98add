package dispatch

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/licita/shield"
)

// TokenHeader carries the shared trigger token.
const TokenHeader = "X-Auth-Token"

// Handler returns the front door router.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.Stack(s.logger) {
		r.Use(mw)
	}
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		shield.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	limiter := shield.NewRateLimiter(30, time.Minute)
	r.With(limiter.Middleware, s.authenticate).Post("/webhook/trigger-handler", s.handleTrigger)
	return r
}

func (s *Service) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.tokenHash) == 0 {
			shield.GetLogger(r.Context()).Error("dispatch: server token not configured")
			writeError(w, http.StatusInternalServerError, "server authentication not configured")
			return
		}
		token := r.Header.Get(TokenHeader)
		if token == "" || bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)) != nil {
			shield.GetLogger(r.Context()).Warn("dispatch: unauthorized trigger", "remote", shield.ExtractIP(r))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var t Trigger
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "empty request body")
		default:
			writeError(w, http.StatusBadRequest, "invalid JSON body")
		}
		return
	}
	out, err := s.trigger(r.Context(), &t)
	if err != nil {
		code, msg := errStatus(err)
		writeError(w, code, msg)
		return
	}
	resp := out.(*Response)
	code := http.StatusOK
	if !resp.Success {
		code = http.StatusInternalServerError
	}
	shield.WriteJSON(w, code, resp)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	shield.WriteJSON(w, code, Response{Processed: []Processed{}, Errors: []string{}, Error: msg})
}
