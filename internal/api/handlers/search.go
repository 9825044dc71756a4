package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ffsho/AttendanceSystem/internal/gallery"
	"github.com/ffsho/AttendanceSystem/internal/models"
	"github.com/ffsho/AttendanceSystem/internal/storage"
	"github.com/ffsho/AttendanceSystem/internal/vision"
	"github.com/ffsho/AttendanceSystem/pkg/dto"
)

type SampleSearcher interface {
	SearchSamples(ctx context.Context, embedding []float32, kind models.Kind, threshold float64, limit int) ([]storage.SearchMatch, error)
}

// SearchHandler finds enrolled samples similar to an uploaded photo.
type SearchHandler struct {
	store     SampleSearcher
	embedder  gallery.Embedder
	kind      models.Kind
	threshold float64
}

func NewSearchHandler(store SampleSearcher, embedder gallery.Embedder, kind models.Kind, threshold float64) *SearchHandler {
	return &SearchHandler{store: store, embedder: embedder, kind: kind, threshold: threshold}
}

// Search accepts a multipart "image" and optional ?threshold= and ?limit=.
func (h *SearchHandler) Search(c *gin.Context) {
	threshold := h.threshold
	if v := c.Query("threshold"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t < -1 || t > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "threshold must be in [-1,1]"})
			return
		}
		threshold = t
	}
	limit := 5
	if v := c.Query("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 1 || l > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be in [1,100]"})
			return
		}
		limit = l
	}

	file, _, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read image failed"})
		return
	}
	img, err := vision.DecodeImage(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable image"})
		return
	}

	if h.embedder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vision pipeline not initialized"})
		return
	}
	embedding, err := h.embedder.Embed(img)
	if err != nil {
		if errors.Is(err, vision.ErrNoFace) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no face found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	matches, err := h.store.SearchSamples(c.Request.Context(), gallery.Normalize(embedding), h.kind, threshold, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	results := make([]dto.SearchResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, dto.SearchResult{
			IdentityID: m.IdentityID,
			Name:       m.Name,
			SampleKey:  m.SampleKey,
			Score:      m.Score,
		})
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "total": len(results)})
}
