package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ffsho/AttendanceSystem/internal/attendance"
	"github.com/ffsho/AttendanceSystem/internal/models"
	"github.com/ffsho/AttendanceSystem/internal/storage"
	"github.com/ffsho/AttendanceSystem/pkg/dto"
)

type AttendanceStore interface {
	AttendanceBetween(ctx context.Context, kind models.Kind, from, to time.Time) ([]models.AttendanceRow, error)
	SearchAttendance(ctx context.Context, kind models.Kind, text string) ([]models.AttendanceRow, error)
	AttendanceByDate(ctx context.Context, kind models.Kind, p attendance.DatePattern, loc *time.Location) ([]models.AttendanceRow, error)
	DeleteEvent(ctx context.Context, id int64) error
}

type AttendanceHandler struct {
	store      AttendanceStore
	kind       models.Kind
	loc        *time.Location
	windowDays int
	now        func() time.Time
}

func NewAttendanceHandler(store AttendanceStore, kind models.Kind, loc *time.Location, windowDays int) *AttendanceHandler {
	return &AttendanceHandler{store: store, kind: kind, loc: loc, windowDays: windowDays, now: time.Now}
}

// List returns attendance grouped per identity for ?from=&to= (local dates,
// inclusive). Missing bounds default to the recent statistics window.
func (h *AttendanceHandler) List(c *gin.Context) {
	var q dto.AttendanceQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	from, to, err := h.window(q)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !from.Before(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must not be after to"})
		return
	}

	rows, err := h.store.AttendanceBetween(c.Request.Context(), h.kind, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := dto.NewAttendanceList(rows, h.loc)
	resp.From = from.Format(time.DateOnly)
	resp.To = to.AddDate(0, 0, -1).Format(time.DateOnly)
	c.JSON(http.StatusOK, resp)
}

func (h *AttendanceHandler) window(q dto.AttendanceQuery) (time.Time, time.Time, error) {
	defFrom, defTo := attendance.RecentWindow(h.now(), h.windowDays, h.loc)
	from, to := defFrom, defTo.AddDate(0, 0, -1)

	if q.From != "" {
		t, err := time.ParseInLocation(time.DateOnly, q.From, h.loc)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid from date, want YYYY-MM-DD")
		}
		from = t
	}
	if q.To != "" {
		t, err := time.ParseInLocation(time.DateOnly, q.To, h.loc)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid to date, want YYYY-MM-DD")
		}
		to = t
	}
	start, end := attendance.Window(from, to, h.loc)
	return start, end, nil
}

// Today returns the current local day's attendance.
func (h *AttendanceHandler) Today(c *gin.Context) {
	from, to := attendance.DayBounds(h.now(), h.loc)
	rows, err := h.store.AttendanceBetween(c.Request.Context(), h.kind, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := dto.NewAttendanceList(rows, h.loc)
	resp.From = from.Format(time.DateOnly)
	resp.To = resp.From
	c.JSON(http.StatusOK, resp)
}

// Search matches ?q= against name parts, group and position.
func (h *AttendanceHandler) Search(c *gin.Context) {
	text := c.Query("q")
	if text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	rows, err := h.store.SearchAttendance(c.Request.Context(), h.kind, text)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto.NewAttendanceList(rows, h.loc))
}

// ByDate filters by a partial date in ?d= (DD, DD.MM or DD.MM.YYYY).
func (h *AttendanceHandler) ByDate(c *gin.Context) {
	pattern, err := attendance.ParsePartialDate(c.Query("d"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rows, err := h.store.AttendanceByDate(c.Request.Context(), h.kind, pattern, h.loc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto.NewAttendanceList(rows, h.loc))
}

func (h *AttendanceHandler) Delete(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attendance id"})
		return
	}
	if err := h.store.DeleteEvent(c.Request.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "attendance record not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
