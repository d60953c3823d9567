// Package serialmux owns a serial link to a radio bridge. One writer
// goroutine holds the port; callers queue frames and wait a bounded time
// for the write to finish. Lines read back from the device are fanned out
// to subscribers.
package serialmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"tailscale.com/tsweb"
)

var (
	ErrWriteFailed  = errors.New("failed to write to serial port")
	ErrWriteTimeout = errors.New("serial write timed out")
	ErrClosed       = errors.New("serial link closed")
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = time.Second

var sendCommandTemplate = template.Must(template.New("send-command").Parse(`<!doctype html>
<html><head><title>serial link</title></head>
<body>
<h1>Serial link</h1>
<form method="post" action="/debug/send-command-api">
  <input name="command" size="80" placeholder="0{&quot;armed&quot;: false}">
  <button type="submit">Send</button>
</form>
<pre id="tail"></pre>
<script>
const out = document.getElementById("tail");
new EventSource("/debug/tail").onmessage = (e) => { out.textContent += e.data + "\n"; };
</script>
</body></html>`))

// SerialMuxInterface is the link surface used by the actuator layer.
type SerialMuxInterface interface {
	// Subscribe returns a channel of lines read from the device.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// WriteFrame writes frame verbatim.
	WriteFrame(ctx context.Context, frame []byte) error
	// SendCommand writes command verbatim; used by the debug console.
	SendCommand(string) error
	// Monitor reads lines until ctx ends or the port fails.
	Monitor(context.Context) error
	Close() error
	// AttachAdminRoutes mounts the send-command console and a live tail
	// under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

type writeRequest struct {
	data   []byte
	result chan error
}

// SerialMux multiplexes one serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	writeTimeout time.Duration

	subscribers  map[string]chan string
	subscriberMu sync.Mutex

	writes    chan writeRequest
	closeOnce sync.Once
	closed    chan struct{}
}

// NewSerialMux starts the writer goroutine for port. writeTimeout <= 0
// uses DefaultWriteTimeout.
func NewSerialMux[T SerialPorter](port T, writeTimeout time.Duration) *SerialMux[T] {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	s := &SerialMux[T]{
		port:         port,
		writeTimeout: writeTimeout,
		subscribers:  make(map[string]chan string),
		writes:       make(chan writeRequest),
		closed:       make(chan struct{}),
	}
	go s.writer()
	return s
}

func (s *SerialMux[T]) writer() {
	for {
		select {
		case <-s.closed:
			return
		case req := <-s.writes:
			n, err := s.port.Write(req.data)
			if err == nil && n != len(req.data) {
				err = ErrWriteFailed
			}
			req.result <- err
		}
	}
}

// WriteFrame queues frame for the writer and waits for it to be written,
// for at most the write timeout.
func (s *SerialMux[T]) WriteFrame(ctx context.Context, frame []byte) error {
	timer := time.NewTimer(s.writeTimeout)
	defer timer.Stop()
	req := writeRequest{data: frame, result: make(chan error, 1)}
	select {
	case s.writes <- req:
	case <-timer.C:
		return ErrWriteTimeout
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendCommand writes command as one frame.
func (s *SerialMux[T]) SendCommand(command string) error {
	return s.WriteFrame(context.Background(), []byte(command))
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, 16)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Monitor reads lines from the device and offers each to every
// subscriber, skipping subscribers that are not keeping up.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErr <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		case err := <-scanErr:
			return err
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

// Close stops the writer, closes every subscriber and the port.
func (s *SerialMux[T]) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.subscriberMu.Lock()
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
		s.subscriberMu.Unlock()
		err = s.port.Close()
	})
	return err
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, s)
}

func attachAdminRoutes(mux *http.ServeMux, s SerialMuxInterface) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "send a raw frame to the serial link", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := sendCommandTemplate.Execute(w, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
		}
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write command: %v", err), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to serial port", command)
	})

	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		fmt.Fprint(w, ": ping\n\n")
		flusher.Flush()
		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
