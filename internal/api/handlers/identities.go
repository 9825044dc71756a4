package handlers

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ffsho/AttendanceSystem/internal/enroll"
	"github.com/ffsho/AttendanceSystem/internal/models"
	"github.com/ffsho/AttendanceSystem/internal/storage"
	"github.com/ffsho/AttendanceSystem/internal/vision"
	"github.com/ffsho/AttendanceSystem/pkg/dto"
)

const maxUploadImages = 25

type IdentityStore interface {
	GetIdentity(ctx context.Context, id int64) (*models.Identity, error)
	ListIdentities(ctx context.Context, kind models.Kind, search string) ([]models.Identity, error)
	DeleteIdentity(ctx context.Context, id int64) error
	ListSamples(ctx context.Context, identityID int64) ([]models.FaceSample, error)
}

type SampleObjects interface {
	DeleteSamples(ctx context.Context, kind models.Kind, identityID int64) error
}

type Enroller interface {
	EnrollImages(ctx context.Context, in models.NewIdentity, images []image.Image) (*enroll.Result, error)
}

type GalleryNotifier interface {
	PublishGalleryCommand(ctx context.Context, cmd models.GalleryCommand) error
}

type IdentityHandler struct {
	store    IdentityStore
	objects  SampleObjects
	enroller Enroller
	notifier GalleryNotifier
	kind     models.Kind
}

func NewIdentityHandler(store IdentityStore, objects SampleObjects, enroller Enroller, notifier GalleryNotifier, kind models.Kind) *IdentityHandler {
	return &IdentityHandler{store: store, objects: objects, enroller: enroller, notifier: notifier, kind: kind}
}

// Create registers an identity of the deployment's kind from uploaded photos.
func (h *IdentityHandler) Create(c *gin.Context) {
	var form dto.CreateIdentityForm
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	in, err := form.NewIdentity(h.kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	images, err := readImages(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.enroller == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vision pipeline not initialized"})
		return
	}

	res, err := h.enroller.EnrollImages(c.Request.Context(), in, images)
	if err != nil {
		if errors.Is(err, enroll.ErrInsufficientSamples) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := dto.EnrollResponse{
		Identity: dto.NewIdentityResponse(*res.Identity),
		Samples:  res.Samples,
	}
	if res.Event != nil {
		resp.EventID = res.Event.ID
	}
	c.JSON(http.StatusCreated, resp)
}

func readImages(c *gin.Context) ([]image.Image, error) {
	mf, err := c.MultipartForm()
	if err != nil {
		return nil, errors.New("multipart form with images required")
	}
	files := mf.File["images"]
	if len(files) == 0 {
		return nil, errors.New("at least one image file required")
	}
	if len(files) > maxUploadImages {
		return nil, errors.New("too many images")
	}

	images := make([]image.Image, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		img, err := vision.DecodeImage(data)
		if err != nil {
			return nil, errors.New("unreadable image " + fh.Filename)
		}
		images = append(images, img)
	}
	return images, nil
}

// List returns identities of the deployment's kind, filtered by ?q=.
func (h *IdentityHandler) List(c *gin.Context) {
	identities, err := h.store.ListIdentities(c.Request.Context(), h.kind, c.Query("q"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.IdentityResponse, 0, len(identities))
	for _, id := range identities {
		resp = append(resp, dto.NewIdentityResponse(id))
	}
	c.JSON(http.StatusOK, gin.H{"identities": resp, "total": len(resp)})
}

func (h *IdentityHandler) Get(c *gin.Context) {
	identity, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.NewIdentityResponse(*identity))
}

// Delete removes the identity with its samples and attendance history and
// asks trackers to rebuild their gallery.
func (h *IdentityHandler) Delete(c *gin.Context) {
	identity, ok := h.lookup(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if err := h.store.DeleteIdentity(ctx, identity.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.objects.DeleteSamples(ctx, identity.Kind(), identity.ID); err != nil {
		slog.Warn("delete sample images", "identity_id", identity.ID, "error", err)
	}
	if h.notifier != nil {
		cmd := models.GalleryCommand{Action: models.GalleryActionReload, Reason: "deleted", IdentityID: identity.ID}
		if err := h.notifier.PublishGalleryCommand(ctx, cmd); err != nil {
			slog.Warn("publish gallery reload", "identity_id", identity.ID, "error", err)
		}
	}

	c.Status(http.StatusNoContent)
}

func (h *IdentityHandler) Samples(c *gin.Context) {
	identity, ok := h.lookup(c)
	if !ok {
		return
	}
	samples, err := h.store.ListSamples(c.Request.Context(), identity.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.SampleResponse, 0, len(samples))
	for _, s := range samples {
		resp = append(resp, dto.NewSampleResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"samples": resp, "total": len(resp)})
}

func (h *IdentityHandler) lookup(c *gin.Context) (*models.Identity, bool) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid identity id"})
		return nil, false
	}
	identity, err := h.store.GetIdentity(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return identity, true
}

func parseID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}
