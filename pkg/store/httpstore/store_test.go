package httpstore

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/thermal-annotator/internal/errors"
	"github.com/menta2k/thermal-annotator/pkg/types"
)

const baseURL = "http://inspection.test"

var ref = types.NewImageRef("T1", "I1")

func newMockedStore(t *testing.T) *Store {
	t.Helper()
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	t.Cleanup(httpmock.DeactivateAndReset)

	s, err := New(baseURL, Options{HTTPClient: hc})
	require.NoError(t, err)
	return s
}

func registerView(t *testing.T, body string) {
	t.Helper()
	httpmock.RegisterResponder(http.MethodGet, baseURL+BasePath+"/view",
		func(req *http.Request) (*http.Response, error) {
			q := req.URL.Query()
			assert.Equal(t, "T1", q.Get("transformerNo"))
			assert.Equal(t, "I1", q.Get("inspectionNo"))
			assert.Equal(t, "Thermal", q.Get("type"))
			return httpmock.NewStringResponse(http.StatusOK, body), nil
		})
}

const viewWithStringLogs = `{
  "responseCode": "2000",
  "responseDescription": "Operation Successful",
  "responseData": {
    "anomaliesResponse": {"anomalies": [
      {"box": [0.1, 0.1, 0.2, 0.2], "class": "Loose Joint Faulty", "confidence": 0.91},
      {"box": [0.3, 0.3, 0.4, 0.4], "class": "Unknown", "manual": true, "user": "alice"}
    ]},
    "logs": "[{\"imageId\":\"T1_I1\",\"userAddition\":{\"box\":[0.3,0.3,0.4,0.4],\"class\":\"Unknown\",\"addedAt\":\"a\",\"addedBy\":\"alice\"}}]"
  }
}`

func TestFetchAnomalies(t *testing.T) {
	s := newMockedStore(t)
	registerView(t, viewWithStringLogs)

	set, err := s.FetchAnomalies(context.Background(), ref)
	require.NoError(t, err)

	require.Len(t, set.Anomalies, 2)
	assert.Equal(t, "Loose Joint Faulty", set.Anomalies[0].Class)
	require.NotNil(t, set.Anomalies[1].Manual)
	assert.True(t, *set.Anomalies[1].Manual)

	require.Len(t, set.Logs, 1)
	assert.Equal(t, types.LogKindAddition, set.Logs[0].Kind())
}

func TestFetchLogsVariants(t *testing.T) {
	tests := []struct {
		name string
		logs string
		want int
	}{
		{"array", `[{"imageId":"T1_I1","userAddition":{"box":[0,0,0.1,0.1],"class":"Unknown","addedAt":"a","addedBy":"b"}}]`, 1},
		{"bare object", `{"imageId":"T1_I1","userAddition":{"box":[0,0,0.1,0.1],"class":"Unknown","addedAt":"a","addedBy":"b"}}`, 1},
		{"missing", `null`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMockedStore(t)
			registerView(t, `{"responseCode":"2000","responseData":{"logs":`+tt.logs+`}}`)

			logs, err := s.FetchLogs(context.Background(), ref)
			require.NoError(t, err)
			assert.Len(t, logs, tt.want)
		})
	}
}

func TestUpdateAnomaliesSendsMultipartForm(t *testing.T) {
	s := newMockedStore(t)

	var form map[string][]string
	httpmock.RegisterResponder(http.MethodPut, baseURL+BasePath+"/update",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "T1", req.URL.Query().Get("transformerNo"))
			require.NoError(t, req.ParseMultipartForm(1<<20))
			form = req.MultipartForm.Value
			return httpmock.NewStringResponse(http.StatusOK, `{"responseCode":"2000"}`), nil
		})

	anomalies := []types.PersistedAnomaly{{Box: types.NewBox(0.1, 0.1, 0.2, 0.2), Class: "Unknown", Manual: true, User: "alice"}}
	logs := []types.FeedbackLog{types.NewAdditionLog("T1_I1", types.UserAddition{Box: types.NewBox(0.1, 0.1, 0.2, 0.2), Class: "Unknown", AddedBy: "alice"})}

	require.NoError(t, s.UpdateAnomalies(context.Background(), ref, anomalies, logs))

	assert.Equal(t, []string{"Thermal"}, form["type"])
	var sent []types.PersistedAnomaly
	require.NoError(t, json.Unmarshal([]byte(form["detectionJson"][0]), &sent))
	assert.Equal(t, anomalies, sent)
	require.Len(t, form["logs"], 1)
	assert.Contains(t, form["logs"][0], `"userAddition"`)
}

func TestUpdateAnomaliesOmitsEmptyLogs(t *testing.T) {
	s := newMockedStore(t)

	var form map[string][]string
	httpmock.RegisterResponder(http.MethodPut, baseURL+BasePath+"/update",
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, req.ParseMultipartForm(1<<20))
			form = req.MultipartForm.Value
			return httpmock.NewStringResponse(http.StatusOK, `{"responseCode":"2000"}`), nil
		})

	require.NoError(t, s.UpdateAnomalies(context.Background(), ref, nil, nil))

	assert.Equal(t, []string{"[]"}, form["detectionJson"])
	assert.NotContains(t, form, "logs")
}

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		unavailable bool
	}{
		{"server error", http.StatusServiceUnavailable, `oops`, true},
		{"failure code", http.StatusOK, `{"responseCode":"4000","responseDescription":"bad inspection"}`, false},
		{"not json", http.StatusBadRequest, `<html></html>`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMockedStore(t)
			httpmock.RegisterResponder(http.MethodGet, baseURL+BasePath+"/view",
				httpmock.NewStringResponder(tt.status, tt.body))

			_, err := s.FetchAnomalies(context.Background(), ref)
			require.Error(t, err)
			assert.Equal(t, tt.unavailable, errors.Is(err, types.ErrStoreUnavailable))
			assert.True(t, errors.IsCategory(err, errors.CategoryHTTP))
		})
	}
}

func TestTransportErrorIsUnavailable(t *testing.T) {
	s := newMockedStore(t)
	httpmock.RegisterResponder(http.MethodGet, baseURL+BasePath+"/view",
		httpmock.NewErrorResponder(assert.AnError))

	_, err := s.FetchLogs(context.Background(), ref)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
	assert.True(t, errors.IsCategory(err, errors.CategoryNetwork))
}

func TestRunDetectionAcceptsPartialSuccess(t *testing.T) {
	s := newMockedStore(t)
	httpmock.RegisterResponder(http.MethodPost, baseURL+BasePath+"/detect",
		httpmock.NewStringResponder(http.StatusMultiStatus, `{"responseCode":"2007","responseDescription":"model timeout"}`))

	require.NoError(t, s.RunDetection(context.Background(), ref))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestNewRejectsInvalidURL(t *testing.T) {
	_, err := New("inspection.test", Options{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
