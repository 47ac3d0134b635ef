package tools

import (
	"context"

	"github.com/carelane/carebot/internal/ehr"
)

// Input schemas for the EHR toolset. Field tags drive both JSON mapping and
// the schema text the model sees.

// ListPatientsInput filters the patient roster.
type ListPatientsInput struct {
	Search string `json:"search,omitempty" jsonschema:"Name or MRN fragment to search for"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default server-side)"`
}

// GetPatientInput identifies one patient.
type GetPatientInput struct {
	PatientID string `json:"patientId" jsonschema:"The patient identifier"`
}

// CreatePatientInput registers a patient.
type CreatePatientInput struct {
	FirstName string `json:"firstName" jsonschema:"Patient given name"`
	LastName  string `json:"lastName" jsonschema:"Patient family name"`
	BirthDate string `json:"birthDate,omitempty" jsonschema:"Date of birth, YYYY-MM-DD"`
	Phone     string `json:"phone,omitempty" jsonschema:"Contact phone number"`
	Email     string `json:"email,omitempty" jsonschema:"Contact email address"`
}

// UpdatePatientInput applies a partial update.
type UpdatePatientInput struct {
	PatientID string         `json:"patientId" jsonschema:"The patient identifier"`
	Fields    map[string]any `json:"fields" jsonschema:"Field names and new values to apply"`
}

// DeletePatientInput removes a patient record.
type DeletePatientInput struct {
	PatientID string `json:"patientId" jsonschema:"The patient identifier"`
}

// ListDoctorsInput lists practitioners (no parameters).
type ListDoctorsInput struct{}

// ListAppointmentsInput selects appointments by date range.
type ListAppointmentsInput struct {
	From     string `json:"from,omitempty" jsonschema:"Range start date, YYYY-MM-DD (defaults to today)"`
	To       string `json:"to,omitempty" jsonschema:"Range end date, YYYY-MM-DD (defaults to from)"`
	DoctorID string `json:"doctorId,omitempty" jsonschema:"Restrict to one practitioner"`
}

// CreateAppointmentInput books an appointment.
type CreateAppointmentInput struct {
	PatientID string `json:"patientId" jsonschema:"The patient identifier"`
	DoctorID  string `json:"doctorId" jsonschema:"The practitioner identifier"`
	Start     string `json:"start" jsonschema:"Appointment start, RFC 3339 timestamp"`
	Reason    string `json:"reason,omitempty" jsonschema:"Visit reason"`
}

// CancelAppointmentInput cancels an appointment.
type CancelAppointmentInput struct {
	AppointmentID string `json:"appointmentId" jsonschema:"The appointment identifier"`
}

// ListVisitsInput lists a patient's visit history.
type ListVisitsInput struct {
	PatientID string `json:"patientId" jsonschema:"The patient identifier"`
}

// CreateVisitInput records a clinical visit.
type CreateVisitInput struct {
	PatientID string `json:"patientId" jsonschema:"The patient identifier"`
	DoctorID  string `json:"doctorId" jsonschema:"The practitioner identifier"`
	Notes     string `json:"notes,omitempty" jsonschema:"Clinical notes for the visit"`
}

// ListPrescriptionsInput lists a patient's prescriptions.
type ListPrescriptionsInput struct {
	PatientID string `json:"patientId" jsonschema:"The patient identifier"`
}

// CreatePrescriptionInput issues a prescription.
type CreatePrescriptionInput struct {
	PatientID  string `json:"patientId" jsonschema:"The patient identifier"`
	VisitID    string `json:"visitId,omitempty" jsonschema:"The visit this prescription belongs to"`
	Medication string `json:"medication" jsonschema:"Medication name"`
	Dosage     string `json:"dosage" jsonschema:"Dosage instructions"`
	Duration   string `json:"duration,omitempty" jsonschema:"Treatment duration"`
}

// RevenueSummaryInput selects a billing period.
type RevenueSummaryInput struct {
	From string `json:"from,omitempty" jsonschema:"Period start date, YYYY-MM-DD (defaults to start of current month)"`
	To   string `json:"to,omitempty" jsonschema:"Period end date, YYYY-MM-DD (defaults to today)"`
}

// EHRToolset builds the uniform HTTP tool wrappers over the EHR API client.
// Each tool performs exactly one remote call; read tools are idempotent and
// write tools never retry.
func EHRToolset(client *ehr.Client) []*Tool {
	return []*Tool{
		MustNew("list_patients",
			"Search registered patients by name or medical record number. Returns patient summaries.",
			func(ctx context.Context, in ListPatientsInput) (any, error) {
				return client.ListPatients(ctx, in.Search, in.Limit)
			}),
		MustNew("get_patient",
			"Fetch one patient's full record by patient identifier.",
			func(ctx context.Context, in GetPatientInput) (any, error) {
				return client.GetPatient(ctx, in.PatientID)
			}),
		MustNew("create_patient",
			"Register a new patient. Requires first and last name; other demographics optional.",
			func(ctx context.Context, in CreatePatientInput) (any, error) {
				fields := map[string]any{
					"firstName": in.FirstName,
					"lastName":  in.LastName,
				}
				if in.BirthDate != "" {
					fields["birthDate"] = in.BirthDate
				}
				if in.Phone != "" {
					fields["phone"] = in.Phone
				}
				if in.Email != "" {
					fields["email"] = in.Email
				}
				return client.CreatePatient(ctx, fields)
			}),
		MustNew("update_patient",
			"Update fields on an existing patient record. Confirm with the user before changing clinical data.",
			func(ctx context.Context, in UpdatePatientInput) (any, error) {
				return client.UpdatePatient(ctx, in.PatientID, in.Fields)
			}),
		MustNew("delete_patient",
			"Delete a patient record. Destructive: only call after the user has explicitly confirmed.",
			func(ctx context.Context, in DeletePatientInput) (any, error) {
				return client.DeletePatient(ctx, in.PatientID)
			}),
		MustNew("list_doctors",
			"List the clinic's practitioners with their specialties.",
			func(ctx context.Context, _ ListDoctorsInput) (any, error) {
				return client.ListDoctors(ctx)
			}),
		MustNew("list_appointments",
			"List appointments in a date range, optionally for one practitioner. Use for questions like \"today's appointments\".",
			func(ctx context.Context, in ListAppointmentsInput) (any, error) {
				return client.ListAppointments(ctx, in.From, in.To, in.DoctorID)
			}),
		MustNew("create_appointment",
			"Book a new appointment for a patient with a practitioner at a given time.",
			func(ctx context.Context, in CreateAppointmentInput) (any, error) {
				fields := map[string]any{
					"patientId": in.PatientID,
					"doctorId":  in.DoctorID,
					"start":     in.Start,
				}
				if in.Reason != "" {
					fields["reason"] = in.Reason
				}
				return client.CreateAppointment(ctx, fields)
			}),
		MustNew("cancel_appointment",
			"Cancel an existing appointment. Destructive: only call after the user has explicitly confirmed.",
			func(ctx context.Context, in CancelAppointmentInput) (any, error) {
				return client.CancelAppointment(ctx, in.AppointmentID)
			}),
		MustNew("list_visits",
			"List a patient's past clinical visits.",
			func(ctx context.Context, in ListVisitsInput) (any, error) {
				return client.ListVisits(ctx, in.PatientID)
			}),
		MustNew("create_visit",
			"Record a clinical visit for a patient with a practitioner.",
			func(ctx context.Context, in CreateVisitInput) (any, error) {
				fields := map[string]any{
					"patientId": in.PatientID,
					"doctorId":  in.DoctorID,
				}
				if in.Notes != "" {
					fields["notes"] = in.Notes
				}
				return client.CreateVisit(ctx, fields)
			}),
		MustNew("list_prescriptions",
			"List a patient's prescriptions.",
			func(ctx context.Context, in ListPrescriptionsInput) (any, error) {
				return client.ListPrescriptions(ctx, in.PatientID)
			}),
		MustNew("create_prescription",
			"Issue a prescription for a patient.",
			func(ctx context.Context, in CreatePrescriptionInput) (any, error) {
				fields := map[string]any{
					"patientId":  in.PatientID,
					"medication": in.Medication,
					"dosage":     in.Dosage,
				}
				if in.VisitID != "" {
					fields["visitId"] = in.VisitID
				}
				if in.Duration != "" {
					fields["duration"] = in.Duration
				}
				return client.CreatePrescription(ctx, fields)
			}),
		MustNew("revenue_summary",
			"Summarize billing revenue for a period. Use for questions like \"revenue this month\".",
			func(ctx context.Context, in RevenueSummaryInput) (any, error) {
				return client.RevenueSummary(ctx, in.From, in.To)
			}),
	}
}
