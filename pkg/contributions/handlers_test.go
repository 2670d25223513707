package contributions

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domika-dev/template-registry/pkg/sites"
)

func newTestAPI(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	svc, db := newTestService(t, nil)

	siteStore := sites.NewSiteStore(db)
	require.NoError(t, siteStore.AutoMigrate())
	apiKey, err := sites.GenerateKey()
	require.NoError(t, err)
	_, err = siteStore.Register("https://condo1.test.com", "Condo 1", "admin@condo1.test.com", apiKey)
	require.NoError(t, err)

	auth := sites.NewAuthenticator(siteStore, nil, nil)
	server := httptest.NewServer(NewRouter(svc, auth))
	t.Cleanup(server.Close)
	return server, apiKey
}

func postSubmission(t *testing.T, server *httptest.Server, apiKey, idemKey string, req SubmissionRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq, err := http.NewRequest(http.MethodPost, server.URL+"/contributions", bytes.NewReader(body))
	require.NoError(t, err)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Site-URL", "https://condo1.test.com")
	httpReq.Header.Set("X-Api-Key", apiKey)
	if idemKey != "" {
		httpReq.Header.Set("X-Idempotency-Key", idemKey)
	}
	resp, err := server.Client().Do(httpReq)
	require.NoError(t, err)
	return resp
}

func TestSubmissionEndpoint(t *testing.T) {
	server, apiKey := newTestAPI(t)

	resp := postSubmission(t, server, apiKey, "key-1", eventHallSubmission())
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created RequestRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, string(StateSubmitted), created.State)
	assert.Equal(t, "https://condo1.test.com", created.SubmitterSiteURL)

	// Same key again: conflict carrying the original id.
	dup := postSubmission(t, server, apiKey, "key-1", eventHallSubmission())
	defer dup.Body.Close()
	require.Equal(t, http.StatusConflict, dup.StatusCode)
	var conflict struct {
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.NewDecoder(dup.Body).Decode(&conflict))
	assert.Equal(t, created.ID, conflict.RequestID)
}

func TestSubmissionEndpointRejectsInvalidPayload(t *testing.T) {
	server, apiKey := newTestAPI(t)

	req := eventHallSubmission()
	delete(req.Payload, "template_name")
	resp := postSubmission(t, server, apiKey, "", req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Findings []Finding `json:"findings"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Findings)
	assert.Equal(t, "template_name", body.Findings[0].Field)
}

func TestSubmissionEndpointRejectsBadKey(t *testing.T) {
	server, _ := newTestAPI(t)

	resp := postSubmission(t, server, "dmk_wrong_key", "", eventHallSubmission())
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var ae sites.AuthError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ae))
	assert.Equal(t, sites.CodeKeyMismatch, ae.Code)
}

func TestDraftLifecycleOverHTTP(t *testing.T) {
	server, _ := newTestAPI(t)

	body, err := json.Marshal(eventHallSubmission())
	require.NoError(t, err)
	resp, err := server.Client().Post(server.URL+"/requests/drafts", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var draft RequestRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&draft))
	resp.Body.Close()
	assert.Equal(t, string(StateDraft), draft.State)

	// A fresh draft can be discarded.
	req, err := http.NewRequest(http.MethodDelete, server.URL+"/requests/"+draft.ID, nil)
	require.NoError(t, err)
	delResp, err := server.Client().Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	// Once submitted, a request can no longer be deleted.
	resp, err = server.Client().Post(server.URL+"/requests/drafts", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&draft))
	resp.Body.Close()

	submitResp, err := server.Client().Post(
		server.URL+"/requests/"+draft.ID+"/actions/submit", "application/json", nil)
	require.NoError(t, err)
	submitResp.Body.Close()
	require.Equal(t, http.StatusOK, submitResp.StatusCode)

	req, err = http.NewRequest(http.MethodDelete, server.URL+"/requests/"+draft.ID, nil)
	require.NoError(t, err)
	delResp, err = server.Client().Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusConflict, delResp.StatusCode)
}

func TestActionEndpointIllegalTransition(t *testing.T) {
	server, apiKey := newTestAPI(t)

	resp := postSubmission(t, server, apiKey, "", eventHallSubmission())
	var created RequestRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	// Approve straight from Submitted is not allowed.
	actionResp, err := server.Client().Post(
		server.URL+"/requests/"+created.ID+"/actions/approve", "application/json", nil)
	require.NoError(t, err)
	defer actionResp.Body.Close()
	require.Equal(t, http.StatusConflict, actionResp.StatusCode)

	var te TransitionError
	require.NoError(t, json.NewDecoder(actionResp.Body).Decode(&te))
	assert.Equal(t, "CONTRIB_ILLEGAL_TRANSITION", te.Code)
}

func TestReviewThenApproveOverHTTP(t *testing.T) {
	server, apiKey := newTestAPI(t)

	resp := postSubmission(t, server, apiKey, "", eventHallSubmission())
	var created RequestRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	for _, action := range []string{"review", "approve", "integrate"} {
		actionResp, err := server.Client().Post(
			server.URL+"/requests/"+created.ID+"/actions/"+action, "application/json", nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, actionResp.StatusCode, "action %s", action)
		actionResp.Body.Close()
	}

	preview, err := server.Client().Get(server.URL + "/requests/" + created.ID + "/preview")
	require.NoError(t, err)
	defer preview.Body.Close()
	require.Equal(t, http.StatusOK, preview.StatusCode)
	var p Preview
	require.NoError(t, json.NewDecoder(preview.Body).Decode(&p))
	assert.Equal(t, "EVENT_HALL", p.TemplateCode)
}
