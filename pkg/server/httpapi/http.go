// Package httpapi exposes the per-user store over the OFSF HTTP+JSON
// protocol: GET a user's flattened tree, POST a batch of add/patch/delete
// intents. The transport stays thin; all invariants live in pkg/store.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/originfs/ofsd/pkg/record"
	"github.com/originfs/ofsd/pkg/server/middleware"
	"github.com/originfs/ofsd/pkg/store"
	"github.com/originfs/ofsd/pkg/xerrors"
)

// Batch commands carried on the wire. Kept verbatim for compatibility with
// existing OFSF clients.
const (
	cmdAdd    = "UUIDa"
	cmdUpdate = "UUIDr"
	cmdDelete = "UUIDd"
)

// Server serves the OFSF API over a store.Manager.
type Server struct {
	Store *store.Manager
	Log   *log.Logger
	Opts  Options
}

// Options configure auth, rate limiting, and CORS.
type Options struct {
	APIKey    string
	RateLimit middleware.RateLimitOptions
	CORS      bool
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	return srv.ListenAndServe()
}

func (s *Server) router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/files/", s.handleFiles)
	chain := []middleware.HTTPMiddleware{
		middleware.APIKeyAuth(s.Opts.APIKey),
		middleware.RateLimit(s.Opts.RateLimit),
	}
	if s.Opts.CORS {
		chain = append([]middleware.HTTPMiddleware{middleware.CORS()}, chain...)
	}
	return middleware.Wrap(mux, chain...)
}

func (s *Server) logger() *log.Logger {
	if s.Log != nil {
		return s.Log
	}
	return log.New(os.Stderr, "", log.LstdFlags)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/files/"), "/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.getFileSystem(r.Context(), w, name)
	case http.MethodPost:
		s.updateFileSystem(r.Context(), w, r, name)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// getFileSystem returns the user's whole tree as one flat OFSF array.
func (s *Server) getFileSystem(ctx context.Context, w http.ResponseWriter, name string) {
	var flat []json.RawMessage
	err := s.Store.WithUser(name, func(a *store.Adapter) error {
		var err error
		flat, err = a.Flatten(ctx)
		return err
	})
	if err != nil {
		s.logger().Printf("get %s: %v", name, err)
		switch xerrors.KindOf(err) {
		case xerrors.KindInvalid, xerrors.KindTraversal:
			writeError(w, http.StatusBadRequest, "Invalid request format")
		default:
			writeError(w, http.StatusInternalServerError, "Error processing request")
		}
		return
	}
	writeJSON(w, http.StatusOK, flat)
}

// intent is one wire operation in a POST batch.
type intent struct {
	Command string          `json:"command"`
	UUID    string          `json:"uuid"`
	Idx     *int            `json:"idx"`
	Dta     json.RawMessage `json:"dta"`
}

type opDetail struct {
	Operation  string `json:"operation"`
	UUID       string `json:"uuid"`
	ActualName string `json:"actual_name,omitempty"`
	ActualPath string `json:"actual_path,omitempty"`
	ChunkIndex *int   `json:"chunk_index,omitempty"`
	Status     string `json:"status"`
}

type batchResponse struct {
	Status              string     `json:"status"`
	Message             string     `json:"message"`
	OperationsCompleted int        `json:"operations_completed"`
	OperationsFailed    int        `json:"operations_failed"`
	Details             []opDetail `json:"details"`
	Errors              []string   `json:"errors,omitempty"`
	User                string     `json:"user"`
}

// updateFileSystem applies a batch of intents. Intents are processed
// independently: one failure is recorded and the rest still run. The whole
// batch holds the user's lock so it cannot interleave with other requests
// for the same user.
func (s *Server) updateFileSystem(ctx context.Context, w http.ResponseWriter, r *http.Request, name string) {
	var rawOps []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&rawOps); err != nil || len(rawOps) == 0 {
		writeError(w, http.StatusBadRequest, "Updates must be a non-empty list of operations")
		return
	}

	details := make([]opDetail, 0, len(rawOps))
	var opErrors []string
	err := s.Store.WithUser(name, func(a *store.Adapter) error {
		for i, raw := range rawOps {
			op, err := decodeIntent(raw)
			if err != nil {
				opErrors = append(opErrors, fmt.Sprintf("Operation %d: Invalid format, expected object", i))
				continue
			}
			detail, opErr := s.applyIntent(ctx, a, op)
			if detail != nil {
				details = append(details, *detail)
			}
			if opErr != nil {
				opErrors = append(opErrors, fmt.Sprintf("Operation %d: %v", i, opErr))
			}
		}
		return nil
	})
	if err != nil {
		s.logger().Printf("update %s: %v", name, err)
		switch xerrors.KindOf(err) {
		case xerrors.KindInvalid, xerrors.KindTraversal:
			writeError(w, http.StatusBadRequest, "Invalid request format")
		default:
			writeError(w, http.StatusInternalServerError, "Error processing request")
		}
		return
	}

	// operations_completed counts every intent that produced a detail
	// entry, failed updates and deletes included; existing clients key off
	// the errors list to tell them apart.
	resp := batchResponse{
		Message:             "File system updated successfully",
		OperationsCompleted: len(details),
		OperationsFailed:    len(opErrors),
		Details:             details,
		Errors:              opErrors,
		User:                strings.ToLower(strings.TrimSpace(name)),
	}
	status := http.StatusOK
	switch {
	case len(opErrors) == 0:
		resp.Status = "success"
	case len(details) > 0:
		resp.Status = "partial_success"
		status = http.StatusMultiStatus
	default:
		resp.Status = "error"
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

// decodeIntent accepts either an intent object or a JSON string holding
// one, which some legacy clients send.
func decodeIntent(raw json.RawMessage) (intent, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return intent{}, err
		}
		raw = json.RawMessage(inner)
	}
	var op intent
	if err := json.Unmarshal(raw, &op); err != nil {
		return intent{}, err
	}
	return op, nil
}

func (s *Server) applyIntent(ctx context.Context, a *store.Adapter, op intent) (*opDetail, error) {
	if op.UUID == "" {
		return nil, fmt.Errorf("Missing UUID")
	}
	switch op.Command {
	case cmdAdd:
		if len(op.Dta) == 0 {
			return nil, fmt.Errorf("Missing data for add operation")
		}
		var rec record.Record
		if err := json.Unmarshal(op.Dta, &rec); err != nil {
			return nil, fmt.Errorf("Invalid data format for add operation")
		}
		result, err := a.Add(ctx, op.UUID, rec)
		if err != nil {
			return nil, err
		}
		return &opDetail{
			Operation:  "add",
			UUID:       op.UUID,
			ActualName: result.ActualName,
			ActualPath: result.ActualPath,
			Status:     "success",
		}, nil
	case cmdUpdate:
		if op.Idx == nil || len(op.Dta) == 0 {
			return nil, fmt.Errorf("Missing index or data for update operation")
		}
		detail := &opDetail{Operation: "update", UUID: op.UUID, ChunkIndex: op.Idx}
		if err := a.Patch(ctx, op.UUID, *op.Idx, op.Dta); err != nil {
			detail.Status = "failed"
			return detail, fmt.Errorf("Failed to update chunk %d for UUID %s", *op.Idx, op.UUID)
		}
		detail.Status = "success"
		return detail, nil
	case cmdDelete:
		detail := &opDetail{Operation: "delete", UUID: op.UUID}
		if err := a.Delete(ctx, op.UUID); err != nil {
			detail.Status = "failed"
			return detail, fmt.Errorf("Failed to delete UUID %s", op.UUID)
		}
		detail.Status = "success"
		return detail, nil
	default:
		return nil, fmt.Errorf("Unknown command %q", op.Command)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message, "status": "error"})
}
