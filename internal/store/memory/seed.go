package memory

import (
	"fmt"
	"os"

	"qms/clinic-queue/internal/models"

	"gopkg.in/yaml.v3"
)

// Seed is the fixture format accepted by --seed for memory-backed runs.
type Seed struct {
	Patients []struct {
		ID   int64  `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"patients"`
	Clinics []struct {
		ID                int64 `yaml:"id"`
		AvgServiceMinutes int   `yaml:"avg_service_minutes"`
	} `yaml:"clinics"`
	Schedules []ScheduleSeed `yaml:"schedules"`
	Bookings  []struct {
		ID      int64  `yaml:"id"`
		Code    string `yaml:"code"`
		Patient int64  `yaml:"patient_id"`
		Clinic  int64  `yaml:"clinic_id"`
		Doctor  int64  `yaml:"doctor_id"`
		Date    string `yaml:"date"`
		Status  string `yaml:"status"`
	} `yaml:"bookings"`
}

type ScheduleSeed struct {
	DoctorID  int64  `yaml:"doctor_id"`
	DayOfWeek int    `yaml:"day_of_week"`
	Start     string `yaml:"start"`
	End       string `yaml:"end"`
}

func LoadSeed(path string) (Seed, error) {
	var seed Seed
	raw, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("read seed: %w", err)
	}
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return seed, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return seed, nil
}

// Apply loads the seed's patients, clinic settings and bookings. Schedules are
// left to the caller.
func (s *Store) Apply(seed Seed) {
	for _, p := range seed.Patients {
		s.PutPatient(p.ID, p.Name)
	}
	for _, c := range seed.Clinics {
		if c.AvgServiceMinutes > 0 {
			s.SetEstimatedMinutes(c.ID, c.AvgServiceMinutes)
		}
	}
	for _, b := range seed.Bookings {
		status := b.Status
		if status == "" {
			status = models.BookingBooked
		}
		s.PutBooking(models.Booking{
			ID:          b.ID,
			Code:        b.Code,
			PatientID:   b.Patient,
			ClinicID:    b.Clinic,
			DoctorID:    b.Doctor,
			BookingDate: b.Date,
			Status:      status,
		})
	}
}
