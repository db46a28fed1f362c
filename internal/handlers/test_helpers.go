package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/twofa/internal/models"
	pkghttp "github.com/BradenHooton/twofa/pkg/http"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"), "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks the failure envelope and returns it for further checks
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedCode string) pkghttp.ErrorResponse {
	var resp pkghttp.ErrorResponse
	AssertJSONResponse(t, w, expectedStatus, &resp)
	assert.False(t, resp.Success)
	assert.Equal(t, expectedCode, resp.Code, "Error code mismatch")
	assert.NotEmpty(t, resp.Error, "Error message should not be empty")
	return resp
}

// MockVerifier implements Verifier for testing
type MockVerifier struct {
	VerifyTOTPFunc       func(ctx context.Context, req models.VerifyRequest) (*models.VerificationResult, error)
	VerifyBackupCodeFunc func(ctx context.Context, req models.VerifyRequest) (*models.VerificationResult, error)
}

func (m *MockVerifier) VerifyTOTP(ctx context.Context, req models.VerifyRequest) (*models.VerificationResult, error) {
	if m.VerifyTOTPFunc == nil {
		return nil, models.NewVerificationError(models.KindInvalidSession, nil)
	}
	return m.VerifyTOTPFunc(ctx, req)
}

func (m *MockVerifier) VerifyBackupCode(ctx context.Context, req models.VerifyRequest) (*models.VerificationResult, error) {
	if m.VerifyBackupCodeFunc == nil {
		return nil, models.NewVerificationError(models.KindInvalidSession, nil)
	}
	return m.VerifyBackupCodeFunc(ctx, req)
}
