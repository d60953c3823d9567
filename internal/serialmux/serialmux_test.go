package serialmux

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFrameIsVerbatim(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port, time.Second)
	defer mux.Close()

	require.NoError(t, mux.WriteFrame(context.Background(), []byte(`0{"armed": true}`)))
	require.NoError(t, mux.WriteFrame(context.Background(), []byte(`1{"armed": false}`)))

	assert.Equal(t, `0{"armed": true}1{"armed": false}`, string(port.GetWrittenData()))
}

func TestWriteFrameTimeout(t *testing.T) {
	port := NewTestableSerialPort()
	port.WriteLatency = 200 * time.Millisecond
	mux := NewSerialMux(port, 20*time.Millisecond)
	defer mux.Close()

	err := mux.WriteFrame(context.Background(), []byte("0{}"))
	assert.ErrorIs(t, err, ErrWriteTimeout)
}

func TestWriteFrameError(t *testing.T) {
	port := NewTestableSerialPort()
	port.WriteError = assert.AnError
	mux := NewSerialMux(port, time.Second)
	defer mux.Close()

	assert.ErrorIs(t, mux.WriteFrame(context.Background(), []byte("0{}")), assert.AnError)
	// The error is consumed; the next write succeeds.
	assert.NoError(t, mux.WriteFrame(context.Background(), []byte("0{}")))
}

func TestWriteAfterClose(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port, time.Second)
	require.NoError(t, mux.Close())
	assert.True(t, port.Closed)

	assert.ErrorIs(t, mux.WriteFrame(context.Background(), []byte("0{}")), ErrClosed)
	assert.NoError(t, mux.Close())
}

func TestMonitorFansOutLines(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("{\"battery\": 3.9}\nbooting\n"))
	mux := NewSerialMux(port, time.Second)
	defer mux.Close()

	id, ch := mux.Subscribe()
	defer mux.Unsubscribe(id)

	require.NoError(t, mux.Monitor(context.Background()))

	var got []string
	for len(ch) > 0 {
		got = append(got, <-ch)
	}
	assert.Equal(t, []string{`{"battery": 3.9}`, "booting"}, got)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort(), time.Second)
	defer mux.Close()

	id, ch := mux.Subscribe()
	mux.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
	mux.Unsubscribe(id)
}

func TestSendCommandRoute(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port, time.Second)
	defer mux.Close()

	routes := http.NewServeMux()
	mux.AttachAdminRoutes(routes)

	form := url.Values{"command": {`2{"trim": [0, 0, 0, 0]}`}}
	req := httptest.NewRequest("POST", "/debug/send-command-api", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	// tsweb restricts debug routes to trusted callers.
	if rec.Code == 403 {
		t.Skip("debug routes not reachable from test client")
	}
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.Equal(t, `2{"trim": [0, 0, 0, 0]}`, string(port.GetWrittenData()))
}

func TestDisabledSerialMux(t *testing.T) {
	d := NewDisabledSerialMux()
	_, ch := d.Subscribe()
	assert.NoError(t, d.WriteFrame(context.Background(), []byte("0{}")))
	require.NoError(t, d.Close())
	_, ok := <-ch
	assert.False(t, ok)

	_, late := d.Subscribe()
	_, ok = <-late
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Monitor(ctx), context.Canceled)
}

func TestPortOptions(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}, opts)

	_, err = PortOptions{DataBits: 9}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{StopBits: 3}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{Parity: "mark"}.Normalize()
	assert.Error(t, err)

	mode, err := PortOptions{Parity: "even", StopBits: 2}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, DefaultBaudRate, mode.BaudRate)
}

func TestClassifyLine(t *testing.T) {
	assert.Equal(t, LineTelemetry, ClassifyLine(` {"pos": [0, 0, 1]} `))
	assert.Equal(t, LineLog, ClassifyLine("radio ready"))
	assert.Equal(t, LineEmpty, ClassifyLine("  "))
}
