package server

import (
	stderrors "errors"
	"io"
	"net/http"
	"sort"

	"github.com/rthomas/spiceai/dataupdate"
	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/queryengine"
	"github.com/rthomas/spiceai/spec"
	"github.com/rthomas/spiceai/status"
)

// maxWriteBody caps POSTed row batches
const maxWriteBody = 8 << 20

// DatasetInfo joins a declared dataset with its status and engine table
type DatasetInfo struct {
	Name        string                 `json:"name"`
	From        string                 `json:"from,omitempty"`
	Accelerated bool                   `json:"accelerated"`
	View        bool                   `json:"view"`
	Status      string                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	Table       *queryengine.TableInfo `json:"table,omitempty"`
}

// WriteRequest is the body of a row write
type WriteRequest struct {
	Type string           `json:"type,omitempty"`
	Rows []dataupdate.Row `json:"rows"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status.All())
}

func (s *Server) handleDatasets(w http.ResponseWriter, _ *http.Request) {
	tables := make(map[string]queryengine.TableInfo)
	for _, t := range s.catalog.Tables() {
		tables[t.Name] = t
	}

	app := s.app()
	if app == nil {
		app = &spec.App{}
	}
	out := make([]DatasetInfo, 0, len(app.Datasets))
	for _, ds := range app.Datasets {
		info := DatasetInfo{
			Name:        ds.Name,
			From:        ds.From,
			Accelerated: ds.Acceleration != nil && ds.Acceleration.Enabled,
			View:        ds.IsView(),
			Status:      "unknown",
		}
		if e, ok := s.status.Get(status.KindDataset, ds.Name); ok {
			info.Status = e.Status.String()
			info.Message = e.Message
		}
		if t, ok := tables[ds.Name]; ok {
			info.Table = &t
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rows, err := s.catalog.Scan(r.Context(), name)
	if err != nil {
		s.writeEngineError(w, "scan", name, err)
		return
	}
	if rows == nil {
		rows = []dataupdate.Row{}
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWriteBody))
	if err != nil {
		s.writeJSONError(w, "Request body too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}
	var req WriteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeJSONError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	update := dataupdate.DataUpdate{Rows: req.Rows}
	switch req.Type {
	case "", "append":
		update.Type = dataupdate.Append
	case "overwrite":
		update.Type = dataupdate.Overwrite
	default:
		s.writeJSONError(w, "Unknown update type "+req.Type, http.StatusBadRequest)
		return
	}

	if err := s.catalog.Write(r.Context(), name, update); err != nil {
		s.writeEngineError(w, "write", name, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"rows": update.Len()})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.models.List())
}

// writeEngineError maps catalog errors to status codes. Unclassified errors
// are logged and hidden from the client.
func (s *Server) writeEngineError(w http.ResponseWriter, op, name string, err error) {
	switch {
	case stderrors.Is(err, queryengine.ErrTableNotFound):
		s.writeJSONError(w, "Dataset not found: "+name, http.StatusNotFound)
	case stderrors.Is(err, queryengine.ErrReadOnly):
		s.writeJSONError(w, "Dataset is read-only: "+name, http.StatusConflict)
	case stderrors.Is(err, queryengine.ErrUnsupportedQuery):
		s.writeJSONError(w, "Dataset cannot be scanned without a query planner: "+name, http.StatusUnprocessableEntity)
	case errors.IsInvalid(err):
		s.writeJSONError(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("Dataset request failed", "op", op, "dataset", name, "error", err)
		s.writeJSONError(w, "Failed to "+op+" dataset "+name, http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		s.logger.Error("Failed to encode error response", "error", err, "message", message)
	}
}
