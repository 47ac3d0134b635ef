// Package ehr is a thin typed client for the remote EHR REST API.
//
// Every call resolves the caller's bearer token from the request's
// credential context; the client itself holds no credential state, so one
// shared instance serves all concurrent requests safely. Each method maps to
// exactly one HTTP call. Retries, if any, are the remote system's concern.
package ehr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/carelane/carebot/internal/credential"
	"github.com/carelane/carebot/internal/log"
)

// callTimeout bounds each outbound HTTP call. There is deliberately no
// wall-clock timeout on a whole agent run; only individual calls are bounded.
const callTimeout = 30 * time.Second

// maxResponseBytes caps upstream bodies read into memory.
const maxResponseBytes = 1 << 20

// APIError is a non-2xx response from the EHR API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ehr api status %d: %s", e.Status, log.Truncate(e.Body, 200))
}

// Client talks to the EHR REST API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  log.Logger
}

// New creates a Client for the given API base URL (e.g.
// "https://ehr.example.com/api/v1").
func New(baseURL string, logger log.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: callTimeout},
		logger:  logger,
	}
}

// do performs one authenticated call and returns the raw JSON body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	token, err := credential.Require(ctx)
	if err != nil {
		return nil, err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ehr api: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading ehr api response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("ehr api call failed",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
		)
		return nil, &APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	if len(raw) == 0 {
		raw = []byte(`{}`)
	}
	return raw, nil
}

// ListPatients searches patients by name or MRN. limit <= 0 uses the
// server default.
func (c *Client) ListPatients(ctx context.Context, search string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if search != "" {
		q.Set("search", search)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.do(ctx, http.MethodGet, "/patients", q, nil)
}

// GetPatient fetches one patient record.
func (c *Client) GetPatient(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/patients/"+url.PathEscape(id), nil, nil)
}

// CreatePatient registers a new patient.
func (c *Client) CreatePatient(ctx context.Context, fields map[string]any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/patients", nil, fields)
}

// UpdatePatient applies a partial update to a patient record.
func (c *Client) UpdatePatient(ctx context.Context, id string, fields map[string]any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPatch, "/patients/"+url.PathEscape(id), nil, fields)
}

// DeletePatient removes (soft-deletes) a patient record.
func (c *Client) DeletePatient(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodDelete, "/patients/"+url.PathEscape(id), nil, nil)
}

// ListDoctors lists practitioners at the clinic.
func (c *Client) ListDoctors(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/doctors", nil, nil)
}

// ListAppointments lists appointments in a date range (inclusive,
// YYYY-MM-DD). doctorID narrows to one practitioner when non-empty.
func (c *Client) ListAppointments(ctx context.Context, from, to, doctorID string) (json.RawMessage, error) {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	if doctorID != "" {
		q.Set("doctorId", doctorID)
	}
	return c.do(ctx, http.MethodGet, "/appointments", q, nil)
}

// CreateAppointment books a new appointment.
func (c *Client) CreateAppointment(ctx context.Context, fields map[string]any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/appointments", nil, fields)
}

// CancelAppointment cancels an existing appointment.
func (c *Client) CancelAppointment(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodDelete, "/appointments/"+url.PathEscape(id), nil, nil)
}

// ListVisits lists a patient's visit history.
func (c *Client) ListVisits(ctx context.Context, patientID string) (json.RawMessage, error) {
	q := url.Values{"patientId": []string{patientID}}
	return c.do(ctx, http.MethodGet, "/visits", q, nil)
}

// CreateVisit records a clinical visit.
func (c *Client) CreateVisit(ctx context.Context, fields map[string]any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/visits", nil, fields)
}

// ListPrescriptions lists a patient's prescriptions.
func (c *Client) ListPrescriptions(ctx context.Context, patientID string) (json.RawMessage, error) {
	q := url.Values{"patientId": []string{patientID}}
	return c.do(ctx, http.MethodGet, "/prescriptions", q, nil)
}

// CreatePrescription issues a prescription.
func (c *Client) CreatePrescription(ctx context.Context, fields map[string]any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/prescriptions", nil, fields)
}

// RevenueSummary returns billing totals for a date range (YYYY-MM-DD).
func (c *Client) RevenueSummary(ctx context.Context, from, to string) (json.RawMessage, error) {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	return c.do(ctx, http.MethodGet, "/billing/revenue", q, nil)
}

// CheckGroupPermission asks whether a staff group holds the permission flag
// for a feature. A false return with nil error is an explicit denial; a
// non-nil error is a lookup failure, which the caller may treat as fail-open.
func (c *Client) CheckGroupPermission(ctx context.Context, group, feature string) (bool, error) {
	q := url.Values{"feature": []string{feature}}
	raw, err := c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(group)+"/permissions", q, nil)
	if err != nil {
		var apiErr *APIError
		// An explicit 403 from the permission endpoint is a denial, not a
		// lookup failure.
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden {
			return false, nil
		}
		return false, err
	}

	var body struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return false, fmt.Errorf("decoding permission response: %w", err)
	}
	return body.Allowed, nil
}
