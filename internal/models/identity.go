package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UnknownName is shown for identities whose name parts are all blank.
const UnknownName = "Unknown"

// Kind is the institution-specific flavour of an identity.
type Kind string

const (
	KindStudent  Kind = "student"
	KindEmployee Kind = "employee"
)

// Profile carries the institution-specific attributes of an identity.
// The matching core never inspects it.
type Profile interface {
	Kind() Kind
	Attributes() map[string]string
	// Affiliation is the group (students) or position (employees) shown next to the name.
	Affiliation() string
}

type EducationalProfile struct {
	Faculty string `json:"faculty"`
	Group   string `json:"group"`
}

func (EducationalProfile) Kind() Kind { return KindStudent }

func (p EducationalProfile) Attributes() map[string]string {
	return map[string]string{"faculty": p.Faculty, "group": p.Group}
}

func (p EducationalProfile) Affiliation() string { return p.Group }

type EnterpriseProfile struct {
	Position  string    `json:"position"`
	HireDate  time.Time `json:"hire_date"`
	BirthDate time.Time `json:"birth_date"`
}

func (EnterpriseProfile) Kind() Kind { return KindEmployee }

func (p EnterpriseProfile) Attributes() map[string]string {
	return map[string]string{
		"position":   p.Position,
		"hire_date":  formatDate(p.HireDate),
		"birth_date": formatDate(p.BirthDate),
	}
}

func (p EnterpriseProfile) Affiliation() string { return p.Position }

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

type Identity struct {
	ID         int64     `json:"id" db:"id"`
	LastName   string    `json:"last_name" db:"last_name"`
	FirstName  string    `json:"first_name" db:"first_name"`
	Patronymic string    `json:"patronymic" db:"patronymic"`
	Profile    Profile   `json:"-" db:"-"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// DisplayName joins the name parts, collapsing whitespace.
func (i Identity) DisplayName() string {
	return ComposeName(i.LastName, i.FirstName, i.Patronymic)
}

// Kind returns the profile kind, or "" when no profile is attached.
func (i Identity) Kind() Kind {
	if i.Profile == nil {
		return ""
	}
	return i.Profile.Kind()
}

// ComposeName builds "<last> <first> <patronymic>" and never returns "".
func ComposeName(parts ...string) string {
	name := strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
	if name == "" {
		return UnknownName
	}
	return name
}

// MarshalProfile encodes a profile's fields for the attributes column.
func MarshalProfile(p Profile) (Kind, json.RawMessage, error) {
	if p == nil {
		return "", nil, fmt.Errorf("profile is required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("marshal profile: %w", err)
	}
	return p.Kind(), data, nil
}

// UnmarshalProfile is the inverse of MarshalProfile.
func UnmarshalProfile(kind Kind, data []byte) (Profile, error) {
	switch kind {
	case KindStudent:
		var p EducationalProfile
		if len(data) > 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, fmt.Errorf("unmarshal educational profile: %w", err)
			}
		}
		return p, nil
	case KindEmployee:
		var p EnterpriseProfile
		if len(data) > 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, fmt.Errorf("unmarshal enterprise profile: %w", err)
			}
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown identity kind %q", kind)
	}
}

// NewIdentity is the enrollment input before an id is assigned.
type NewIdentity struct {
	LastName   string
	FirstName  string
	Patronymic string
	Profile    Profile
}

// Validate mirrors the registration form: every field is mandatory except patronymic.
func (n NewIdentity) Validate() error {
	if strings.TrimSpace(n.LastName) == "" || strings.TrimSpace(n.FirstName) == "" {
		return fmt.Errorf("last name and first name are required")
	}
	switch p := n.Profile.(type) {
	case EducationalProfile:
		if strings.TrimSpace(p.Faculty) == "" || strings.TrimSpace(p.Group) == "" {
			return fmt.Errorf("faculty and group are required")
		}
	case EnterpriseProfile:
		if strings.TrimSpace(p.Position) == "" {
			return fmt.Errorf("position is required")
		}
	case nil:
		return fmt.Errorf("profile is required")
	}
	return nil
}

type FaceSample struct {
	ID         int64     `json:"id" db:"id"`
	IdentityID int64     `json:"identity_id" db:"identity_id"`
	SourceKey  string    `json:"source_key" db:"source_key"`
	Embedding  []float32 `json:"-" db:"embedding"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
