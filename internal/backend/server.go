package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// Credential maps a bearer token to a user.
type Credential struct {
	Token string
	User  User
}

// Server is the reference cart REST API.
//
// Routes:
//
//	GET    /cart        render the caller's cart in the configured envelope
//	POST   /cart        add {"product_id","quantity","variant_id"?}
//	DELETE /cart        clear
//	PUT    /cart/{id}   update {"quantity"}
//	DELETE /cart/{id}   remove
//	GET    /healthz     liveness, unauthenticated
type Server struct {
	svc      *Service
	users    map[string]User
	envelope Envelope
	logger   *slog.Logger
	router   *mux.Router
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithCredentials sets the accepted bearer tokens.
func WithCredentials(creds ...Credential) ServerOption {
	return func(s *Server) {
		for _, c := range creds {
			s.users[c.Token] = c.User
		}
	}
}

// WithEnvelope sets the GET /cart response shape.
func WithEnvelope(e Envelope) ServerOption {
	return func(s *Server) { s.envelope = e }
}

// WithServerLogger sets the request logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer builds the router.
func NewServer(svc *Service, opts ...ServerOption) *Server {
	s := &Server{
		svc:      svc,
		users:    make(map[string]User),
		envelope: EnvelopeItems,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.UseEncodedPath()
	r.Use(s.recoverMiddleware, s.logMiddleware)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/cart", s.getCart).Methods(http.MethodGet)
	api.HandleFunc("/cart", s.addToCart).Methods(http.MethodPost)
	api.HandleFunc("/cart", s.clearCart).Methods(http.MethodDelete)
	api.HandleFunc("/cart/{id}", s.updateCartItem).Methods(http.MethodPut)
	api.HandleFunc("/cart/{id}", s.removeFromCart).Methods(http.MethodDelete)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ctxKey struct{}

func userFrom(ctx context.Context) User {
	u, _ := ctx.Value(ctxKey{}).(User)
	return u
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		user, known := s.users[strings.TrimSpace(token)]
		if !ok || !known {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", fmt.Sprint(v))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getCart(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	lines, err := s.svc.View(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, renderCart(s.envelope, user.ID, lines))
}

type addBody struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	VariantID string `json:"variant_id"`
}

func (s *Server) addToCart(w http.ResponseWriter, r *http.Request) {
	var body addBody
	if err := decodeBody(r, &body); err != nil || body.ProductID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return
	}
	if body.Quantity == 0 {
		body.Quantity = 1
	}

	line, err := s.svc.Add(r.Context(), userFrom(r.Context()), body.ProductID, body.VariantID, body.Quantity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	name := line.Product.Name
	if name == "" {
		name = "Item"
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": name + " added to cart",
		"item":    itemBodies([]ResolvedLine{line})[0],
	})
}

type updateBody struct {
	Quantity int `json:"quantity"`
}

func (s *Server) updateCartItem(w http.ResponseWriter, r *http.Request) {
	ref, ok := pathID(r)
	var body updateBody
	if err := decodeBody(r, &body); !ok || err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return
	}
	if _, err := s.svc.Update(r.Context(), userFrom(r.Context()), ref, body.Quantity); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Cart updated"})
}

func (s *Server) removeFromCart(w http.ResponseWriter, r *http.Request) {
	ref, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid cart item id"})
		return
	}
	if _, err := s.svc.Remove(r.Context(), userFrom(r.Context()), ref); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Item removed from cart"})
}

func (s *Server) clearCart(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Clear(r.Context(), userFrom(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Cart cleared"})
}

// writeError renders service errors in the shapes real cart backends emit,
// including the double-encoded ownership error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrDuplicateLine):
		writeJSON(w, http.StatusConflict, map[string]string{"message": "Product already exists in cart"})
	case errors.Is(err, ErrOwnProduct):
		inner, _ := json.Marshal(map[string]any{
			"status": http.StatusForbidden,
			"data":   map[string]string{"error": ErrOwnProduct.Error()},
		})
		writeJSON(w, http.StatusForbidden, map[string]string{"message": string(inner)})
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrVariantNotFound), errors.Is(err, ErrLineNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"message": err.Error()})
	case errors.Is(err, ErrInvalidQuantity):
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal server error"})
	}
}

func pathID(r *http.Request) (string, bool) {
	id, err := url.PathUnescape(mux.Vars(r)["id"])
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
