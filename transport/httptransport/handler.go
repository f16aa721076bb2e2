package httptransport

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/virtuenet/coachsync/logging"
	"github.com/virtuenet/coachsync/operation"
	"github.com/virtuenet/coachsync/protocol"
)

// ServerStore is the server-side state a Handler applies batches against.
// Apply must enforce version checks and report conflicts through the
// returned OperationResult; the Handler layers idempotency on top.
type ServerStore interface {
	// Apply executes one operation and returns its result. Version
	// conflicts are reported in the result, not as an error; errors are
	// reserved for store-level failures.
	Apply(ctx context.Context, op *operation.SyncOperation) (protocol.OperationResult, error)

	// ChangesSince lists server-originated changes after the given cursor
	// and returns the next cursor.
	ChangesSince(ctx context.Context, cursor string) ([]protocol.ServerChange, string, error)
}

// HandlerOptions bounds request handling.
type HandlerOptions struct {
	MaxRequestSize int64         // Maximum (decompressed) request size
	DedupeTTL      time.Duration // How long operation outcomes are remembered
}

// DefaultHandlerOptions returns production defaults.
func DefaultHandlerOptions() HandlerOptions {
	return HandlerOptions{
		MaxRequestSize: 8 << 20, // 8MB
		DedupeTTL:      24 * time.Hour,
	}
}

// Handler serves the batch sync endpoint. Each operation's id is an
// idempotency key: a replayed operation returns its recorded result
// without being applied again.
type Handler struct {
	store  ServerStore
	dedupe *protocol.DedupeTable
	opts   HandlerOptions
	logger *logging.Logger
}

// NewHandler creates a batch sync handler.
func NewHandler(store ServerStore, opts HandlerOptions) *Handler {
	if opts.MaxRequestSize <= 0 {
		opts.MaxRequestSize = DefaultHandlerOptions().MaxRequestSize
	}
	return &Handler{
		store:  store,
		dedupe: protocol.NewDedupeTable(opts.DedupeTTL),
		opts:   opts,
		logger: logging.WithComponent(logging.Component("sync-handler")),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := h.readBody(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := protocol.DecodeRequest(body)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed batch request")
		return
	}

	resp := &protocol.BatchSyncResponse{
		Success:         true,
		Results:         make([]protocol.OperationResult, 0, len(req.Operations)),
		ServerTimestamp: time.Now().UTC(),
	}

	// Per-operation results are independent: a later failure never rolls
	// back an earlier success.
	for _, op := range req.Operations {
		if cached, seen := h.dedupe.Seen(op.ID); seen {
			resp.Results = append(resp.Results, cached)
			continue
		}
		result, err := h.store.Apply(r.Context(), op)
		if err != nil {
			h.logger.LogError(r.Context(), err, "apply failed",
				slog.String("operation_id", op.ID))
			respondWithError(w, http.StatusInternalServerError, "store failure")
			return
		}
		h.dedupe.Record(op.ID, result)
		resp.Results = append(resp.Results, result)
	}

	changes, next, err := h.store.ChangesSince(r.Context(), req.LastSyncCursor)
	if err != nil {
		h.logger.LogError(r.Context(), err, "listing server changes failed")
		respondWithError(w, http.StatusInternalServerError, "store failure")
		return
	}
	resp.ServerChanges = changes
	resp.NextCursor = next

	respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	reader := io.Reader(r.Body)
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		reader = zr
	}
	return io.ReadAll(io.LimitReader(reader, h.opts.MaxRequestSize))
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
