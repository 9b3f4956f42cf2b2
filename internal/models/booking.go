package models

type Booking struct {
	ID          int64  `json:"id"`
	Code        string `json:"booking_code"`
	PatientID   int64  `json:"patient_id"`
	ClinicID    int64  `json:"clinic_id"`
	DoctorID    int64  `json:"doctor_id"`
	BookingDate string `json:"booking_date"`
	Status      string `json:"status"`
}

const (
	BookingBooked    = "BOOKED"
	BookingCheckedIn = "CHECKED_IN"
)
