package dto

import (
	"fmt"
	"time"

	"github.com/ffsho/AttendanceSystem/internal/models"
)

const timeFormat = "2006-01-02T15:04:05Z07:00"

const dateFormat = "2006-01-02"

// CreateIdentityForm is the multipart form of POST /v1/identities. The
// face photos are sent as repeated "images" file parts.
type CreateIdentityForm struct {
	LastName   string `form:"last_name" binding:"required"`
	FirstName  string `form:"first_name" binding:"required"`
	Patronymic string `form:"patronymic"`
	// Educational institutions
	Faculty string `form:"faculty"`
	Group   string `form:"group"`
	// Enterprises
	Position  string `form:"position"`
	HireDate  string `form:"hire_date"`
	BirthDate string `form:"birth_date"`
}

// NewIdentity builds the enrollment input for an identity of kind.
func (f CreateIdentityForm) NewIdentity(kind models.Kind) (models.NewIdentity, error) {
	in := models.NewIdentity{
		LastName:   f.LastName,
		FirstName:  f.FirstName,
		Patronymic: f.Patronymic,
	}
	switch kind {
	case models.KindStudent:
		in.Profile = models.EducationalProfile{Faculty: f.Faculty, Group: f.Group}
	case models.KindEmployee:
		hire, err := parseDate(f.HireDate)
		if err != nil {
			return in, fmt.Errorf("hire_date: %w", err)
		}
		birth, err := parseDate(f.BirthDate)
		if err != nil {
			return in, fmt.Errorf("birth_date: %w", err)
		}
		in.Profile = models.EnterpriseProfile{Position: f.Position, HireDate: hire, BirthDate: birth}
	default:
		return in, fmt.Errorf("unknown identity kind %q", kind)
	}
	return in, in.Validate()
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateFormat, s)
}

type IdentityResponse struct {
	ID         int64             `json:"id"`
	Kind       models.Kind       `json:"kind"`
	Name       string            `json:"name"`
	LastName   string            `json:"last_name"`
	FirstName  string            `json:"first_name"`
	Patronymic string            `json:"patronymic,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  string            `json:"created_at"`
}

func NewIdentityResponse(id models.Identity) IdentityResponse {
	resp := IdentityResponse{
		ID:         id.ID,
		Kind:       id.Kind(),
		Name:       id.DisplayName(),
		LastName:   id.LastName,
		FirstName:  id.FirstName,
		Patronymic: id.Patronymic,
		CreatedAt:  id.CreatedAt.Format(timeFormat),
	}
	if id.Profile != nil {
		resp.Attributes = id.Profile.Attributes()
	}
	return resp
}

type EnrollResponse struct {
	Identity IdentityResponse `json:"identity"`
	Samples  int              `json:"samples"`
	EventID  int64            `json:"event_id,omitempty"`
}

type SampleResponse struct {
	ID        int64  `json:"id"`
	SourceKey string `json:"source_key"`
	CreatedAt string `json:"created_at"`
}

func NewSampleResponse(s models.FaceSample) SampleResponse {
	return SampleResponse{ID: s.ID, SourceKey: s.SourceKey, CreatedAt: s.CreatedAt.Format(timeFormat)}
}

type SearchResult struct {
	IdentityID int64   `json:"identity_id"`
	Name       string  `json:"name"`
	SampleKey  string  `json:"sample_key"`
	Score      float64 `json:"score"`
}
