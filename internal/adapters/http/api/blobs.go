package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/eyesense/gazemap/internal/adapters/storage"
)

// BlobHandler serves stimulus uploads and stored heatmaps.
type BlobHandler struct {
	deps     Dependencies
	maxBytes int64
}

// NewBlobHandler creates a new blob handler.
func NewBlobHandler(deps Dependencies, maxBytes int64) *BlobHandler {
	return &BlobHandler{deps: deps, maxBytes: maxBytes}
}

type uploadResponse struct {
	Name  string `json:"name"`
	Ref   string `json:"ref"`
	Bytes int    `json:"bytes"`
}

// HandleUpload handles POST /images?filename= requests. The body is the raw
// image.
func (h *BlobHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	const op = "upload image"
	name := r.URL.Query().Get("filename")
	if !storage.ValidName(name) {
		writeServiceError(w, NewKind(op+": invalid filename", ErrBadRequest))
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeServiceError(w, WrapKind(op, ErrTooLarge, err))
			return
		}
		writeServiceError(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := h.deps.PutImage(r.Context(), name, r.Header.Get("Content-Type"), data); err != nil {
		writeServiceError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{Name: name, Ref: "blob:" + name, Bytes: len(data)})
}

// HandleGetImage handles GET /images/{name} requests.
func (h *BlobHandler) HandleGetImage(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, storage.KindImage)
}

// HandleGetHeatmap handles GET /heatmaps/{name} requests.
func (h *BlobHandler) HandleGetHeatmap(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, storage.KindHeatmap)
}

func (h *BlobHandler) serve(w http.ResponseWriter, r *http.Request, kind storage.Kind) {
	b, err := h.deps.Blob(r.Context(), kind, r.PathValue("name"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", b.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(b.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b.Data)
}
