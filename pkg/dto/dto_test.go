package dto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffsho/AttendanceSystem/internal/models"
)

func TestCreateIdentityFormStudent(t *testing.T) {
	form := CreateIdentityForm{LastName: "Ivanov", FirstName: "Ivan", Faculty: "IT", Group: "IT-21"}
	in, err := form.NewIdentity(models.KindStudent)
	require.NoError(t, err)
	assert.Equal(t, models.EducationalProfile{Faculty: "IT", Group: "IT-21"}, in.Profile)

	_, err = CreateIdentityForm{LastName: "Ivanov", FirstName: "Ivan"}.NewIdentity(models.KindStudent)
	assert.Error(t, err, "group is mandatory")
}

func TestCreateIdentityFormEmployee(t *testing.T) {
	form := CreateIdentityForm{
		LastName:  "Sidorova",
		FirstName: "Anna",
		Position:  "Engineer",
		HireDate:  "2020-02-01",
	}
	in, err := form.NewIdentity(models.KindEmployee)
	require.NoError(t, err)
	profile, ok := in.Profile.(models.EnterpriseProfile)
	require.True(t, ok)
	assert.Equal(t, time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC), profile.HireDate)
	assert.True(t, profile.BirthDate.IsZero())

	form.HireDate = "01.02.2020"
	_, err = form.NewIdentity(models.KindEmployee)
	assert.ErrorContains(t, err, "hire_date")
}

func TestNewAttendanceListUsesLocation(t *testing.T) {
	loc := time.FixedZone("YEKT", 5*3600)
	rows := []models.AttendanceRow{{
		IdentityID: 1,
		Name:       "Ivanov Ivan",
		Kind:       models.KindStudent,
		Events:     []models.AttendanceEvent{{ID: 9, IdentityID: 1, Timestamp: time.Date(2024, 3, 14, 20, 0, 0, 0, time.UTC)}},
	}}

	resp := NewAttendanceList(rows, loc)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "2024-03-15T01:00:00+05:00", resp.Rows[0].Events[0].Timestamp)
}

func TestNewIdentityResponse(t *testing.T) {
	resp := NewIdentityResponse(models.Identity{
		ID:        3,
		LastName:  "Ivanov",
		FirstName: "Ivan",
		Profile:   models.EducationalProfile{Faculty: "IT", Group: "IT-21"},
	})
	assert.Equal(t, "Ivanov Ivan", resp.Name)
	assert.Equal(t, models.KindStudent, resp.Kind)
	assert.Equal(t, "IT-21", resp.Attributes["group"])
}
