package visit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPLinker creates visits in a remote visit service:
// POST {base}/visits and DELETE {base}/visits/{id}.
type HTTPLinker struct {
	baseURL string
	client  *http.Client
}

func NewHTTPLinker(baseURL string, timeout time.Duration) *HTTPLinker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPLinker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type createVisitRequest struct {
	PatientID string `json:"patient_id"`
	DoctorID  string `json:"doctor_id"`
}

type createVisitResponse struct {
	VisitID string `json:"visit_id"`
}

func (h *HTTPLinker) LinkNewVisit(ctx context.Context, patientRef, doctorRef string) (string, error) {
	body, err := json.Marshal(createVisitRequest{PatientID: patientRef, DoctorID: doctorRef})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/visits", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("visit service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out createVisitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode visit response: %w", err)
	}
	if out.VisitID == "" {
		return "", fmt.Errorf("visit service returned empty visit_id")
	}
	return out.VisitID, nil
}

func (h *HTTPLinker) DiscardVisit(ctx context.Context, visitRef string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.baseURL+"/visits/"+url.PathEscape(visitRef), nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("visit service returned %d on discard", resp.StatusCode)
	}
	return nil
}
