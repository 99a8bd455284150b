package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coursetest/internal/app/apiresp"
	"coursetest/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

type Handler struct {
	store    BlobStore
	maxBytes int64
	now      func() time.Time
}

func NewHandler(store BlobStore, maxBytes int64) *Handler {
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	return &Handler{store: store, maxBytes: maxBytes, now: time.Now}
}

type UploadResult struct {
	URL         string `json:"url"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Upload accepts one image in the multipart field "file" and returns its URL.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentIdentity(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+(1<<20))
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apiresp.WriteError(w, r, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()
	if hdr.Size > h.maxBytes {
		apiresp.WriteError(w, r, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	res, err := h.save(r.Context(), user.ID, file)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnsupported):
			apiresp.WriteError(w, r, http.StatusUnsupportedMediaType, "only jpeg, png, webp or gif images are accepted")
		default:
			apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	res.Size = hdr.Size
	apiresp.WriteOK(w, r, http.StatusCreated, res)
}

func (h *Handler) save(ctx context.Context, ownerID int64, src io.Reader) (*UploadResult, error) {
	head := make([]byte, 512)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	head = head[:n]
	contentType := http.DetectContentType(head)
	ext, ok := imageExtensions[contentType]
	if !ok {
		return nil, ErrUnsupported
	}

	now := h.now().UTC()
	key := strings.Join([]string{"uploads", strconv.FormatInt(ownerID, 10), now.Format("2006/01"), uuid.NewString() + ext}, "/")
	url, err := h.store.Put(ctx, key, io.MultiReader(bytes.NewReader(head), src))
	if err != nil {
		return nil, err
	}
	return &UploadResult{URL: url, Key: key, ContentType: contentType}, nil
}

// Serve streams stored objects for the filesystem store in development.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	rc, err := h.store.Get(r.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidKey), errors.Is(err, ErrNotFound):
			apiresp.WriteError(w, r, http.StatusNotFound, "not found")
		default:
			apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	defer rc.Close()

	head := make([]byte, 512)
	n, _ := io.ReadFull(rc, head)
	w.Header().Set("Content-Type", http.DetectContentType(head[:n]))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(head[:n])
	_, _ = io.Copy(w, rc)
}
