// Package feedserver serves the merged GTFS-Realtime dataset over HTTP.
package feedserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/justinas/alice"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"gtfs-prognosis/internal/feed"
)

const (
	contentTypeProto = "application/x-protobuf"
	contentTypeJSON  = "application/json"
)

// Source provides feed snapshots; *feed.Dataset implements it.
type Source interface {
	Snapshot() feed.Snapshot
}

type Server struct {
	src Source
	log *zap.Logger
}

func New(src Source, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{src: src, log: log}
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/", s.serveFeed)
	router.HEAD("/", s.serveFeed)
	router.GET("/health", s.health)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "If-None-Match", "If-Modified-Since"},
		ExposedHeaders: []string{"ETag", "Last-Modified"},
		MaxAge:         300,
	})
	return alice.New(corsHandler.Handler, s.recoverPanic, s.logRequest).Then(router)
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, contentTypeJSON) && !strings.Contains(accept, contentTypeProto)
}

func (s *Server) serveFeed(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snap := s.src.Snapshot()
	w.Header().Set("ETag", snap.ETag)
	w.Header().Set("Last-Modified", snap.Modified.UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Add("Vary", "Accept")

	if match := r.Header.Get("If-None-Match"); match != "" && match == snap.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	var (
		body []byte
		err  error
	)
	if wantsJSON(r) {
		w.Header().Set("Content-Type", contentTypeJSON)
		body, err = feed.MarshalJSON(snap.Message)
	} else {
		w.Header().Set("Content-Type", contentTypeProto)
		body, err = feed.MarshalProto(snap.Message)
	}
	if err != nil {
		s.log.Error("encode feed", zap.Error(err))
		http.Error(w, "failed to encode feed", http.StatusInternalServerError)
		return
	}
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(body); err != nil {
		s.log.Debug("write feed", zap.Error(err))
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic serving request", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serverErr := make(chan error, 1)
	go func() {
		s.log.Info("feed server listening", zap.String("addr", addr))
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
