package httputil

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStandardClientDefaults(t *testing.T) {
	assert.Same(t, http.DefaultClient, NewStandardClient(nil).Client)
	c := &http.Client{}
	assert.Same(t, c, NewStandardClient(c).Client)
}

func TestPostJSONAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	status, body, err := PostJSON(NewStandardClient(srv.Client()), srv.URL, map[string]string{"event": "session"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
	assert.JSONEq(t, `{"event":"session"}`, string(body))
}

func TestPostJSONEncodeError(t *testing.T) {
	mock := NewMockHTTPClient()
	_, _, err := PostJSON(mock, "http://x", map[string]interface{}{"bad": make(chan int)})
	assert.Error(t, err)
	assert.Equal(t, 0, mock.RequestCount())
}

func TestMockHTTPClientQueue(t *testing.T) {
	mock := NewMockHTTPClient().
		AddResponse(http.StatusCreated, `{"id":1}`).
		AddErrorResponse(errors.New("boom"))

	status, body, err := PostJSON(mock, "http://x/api", map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, `{"id":1}`, string(body))

	_, err = mock.Get("http://x/api")
	assert.EqualError(t, err, "boom")

	// exhausted queue answers 200
	resp, err := mock.Get("http://x/api")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, 3, mock.RequestCount())
	req, sent := mock.Request(0)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.JSONEq(t, `{"a":1}`, string(sent))
	req, _ = mock.Request(1)
	assert.Equal(t, http.MethodGet, req.Method)
	req, _ = mock.Request(9)
	assert.Nil(t, req)
}
