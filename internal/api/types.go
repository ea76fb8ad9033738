package api

import "time"

type RegisterApplicantRequest struct {
	IdentityNumber string `json:"identity_number"`
	FullName       string `json:"full_name"`
}

type ApplicantResponse struct {
	ID             string    `json:"id"`
	IdentityNumber string    `json:"identity_number"`
	FullName       string    `json:"full_name"`
	Enrolled       bool      `json:"fingerprint_enrolled"`
	CreatedAt      time.Time `json:"created_at"`
}

type ListApplicantsResponse struct {
	Applicants []ApplicantResponse `json:"applicants"`
	Limit      int                 `json:"limit"`
	Offset     int                 `json:"offset"`
}

type HealthResponse struct {
	Status     string        `json:"status"`
	Time       time.Time     `json:"time"`
	DeviceBusy bool          `json:"device_busy"`
	Device     *DeviceStatus `json:"device,omitempty"`
}

type DeviceStatus struct {
	Connected    bool   `json:"connected"`
	SerialNumber string `json:"serial_number,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	Error        string `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
