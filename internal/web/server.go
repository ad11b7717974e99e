package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"robot-telemetry/internal/dashboard"
	"robot-telemetry/internal/ingest"
	"robot-telemetry/internal/layout"
	"robot-telemetry/internal/store"
)

// Controller is the ingestion side exposed over HTTP.
type Controller interface {
	Exec(ctx context.Context, cmd ingest.Command) error
	Snapshot() ingest.Snapshot
	ListPorts() ([]string, error)
}

type Deps struct {
	Store    *store.Store
	Registry *layout.Registry
	Attitude dashboard.AttitudeConfig
	Ingester Controller
	Status   *Status
	Logs     *LogBuffer
	// DefaultBaud is used by POST /api/connection when the body omits it.
	DefaultBaud int
}

const maxHistoryTail = 100000

func Handler(d Deps) http.Handler {
	if d.Status == nil {
		d.Status = NewStatus()
	}
	r := &httprouter.Router{
		RedirectTrailingSlash:  true,
		RedirectFixedPath:      true,
		HandleMethodNotAllowed: true,
		NotFound: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "not found", http.StatusNotFound)
		}),
	}

	r.GET("/api/status", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, d.Status.Snapshot(time.Now().UTC(), d.Ingester, d.Store))
	})

	r.GET("/api/about", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, About())
	})

	r.GET("/api/board", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, dashboard.BuildBoard(d.Store, d.Registry, d.Attitude))
	})

	r.GET("/api/channels", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		names := d.Store.Channels()
		out := struct {
			Channels []store.ChannelStats `json:"channels"`
		}{Channels: make([]store.ChannelStats, 0, len(names))}
		for _, name := range names {
			out.Channels = append(out.Channels, d.Store.Stats(name))
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.GET("/api/channels/:name", func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		writeJSON(w, http.StatusOK, channelView(d.Store, ps.ByName("name")))
	})

	r.GET("/api/channels/:name/history", func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		name := ps.ByName("name")
		var samples []int64
		if s := strings.TrimSpace(req.URL.Query().Get("tail")); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > maxHistoryTail {
				http.Error(w, fmt.Sprintf("tail must be an integer in [1,%d]", maxHistoryTail), http.StatusBadRequest)
				return
			}
			samples = d.Store.Tail(name, n)
		} else {
			samples = d.Store.History(name)
		}
		writeJSON(w, http.StatusOK, HistoryResponse{Channel: name, Length: d.Store.Length(name), Samples: samples})
	})

	r.GET("/api/channels/:name/quantiles", func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		q, err := Quantiles(ps.ByName("name"), d.Store.History(ps.ByName("name")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, q)
	})

	r.GET("/api/ports", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		if d.Ingester == nil {
			http.Error(w, "ingester unavailable", http.StatusServiceUnavailable)
			return
		}
		ports, err := d.Ingester.ListPorts()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if ports == nil {
			ports = []string{}
		}
		writeJSON(w, http.StatusOK, struct {
			Ports []string `json:"ports"`
		}{Ports: ports})
	})

	r.POST("/api/connection", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		if d.Ingester == nil {
			http.Error(w, "ingester unavailable", http.StatusServiceUnavailable)
			return
		}
		var cmd ingest.OpenCommand
		dec := json.NewDecoder(io.LimitReader(req.Body, 64*1024))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cmd); err != nil {
			http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if cmd.Baud == 0 {
			cmd.Baud = d.DefaultBaud
		}
		if err := d.Ingester.Exec(req.Context(), cmd); err != nil {
			var cerr *ingest.ConnectionError
			code := http.StatusBadRequest
			if errors.As(err, &cerr) {
				code = http.StatusBadGateway
			}
			http.Error(w, err.Error(), code)
			return
		}
		writeJSON(w, http.StatusOK, d.Ingester.Snapshot())
	})

	r.DELETE("/api/connection", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		if d.Ingester == nil {
			http.Error(w, "ingester unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := d.Ingester.Exec(req.Context(), ingest.CloseCommand{}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, d.Ingester.Snapshot())
	})

	if d.Logs != nil {
		r.Handler(http.MethodGet, "/api/logs", d.Logs.Handler())
	}

	return r
}

type ChannelView struct {
	store.ChannelStats
	Latest  *int64 `json:"latest"`
	HasData bool   `json:"has_data"`
}

type HistoryResponse struct {
	Channel string  `json:"channel"`
	Length  int     `json:"length"`
	Samples []int64 `json:"samples"`
}

func channelView(st *store.Store, name string) ChannelView {
	out := ChannelView{ChannelStats: st.Stats(name)}
	if v, ok := st.Latest(name); ok {
		out.Latest = &v
		out.HasData = true
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

// Serve runs the API on listenAddr until ctx is done.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Connect may wait for the port open timeout.
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
