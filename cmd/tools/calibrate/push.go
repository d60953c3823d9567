package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/mocap/internal/httputil"
)

// maxSamplesFileSize bounds the capture file read.
const maxSamplesFileSize = 64 << 20

func readSamplesFile(path string) (json.RawMessage, error) {
	if path == "" {
		return nil, fmt.Errorf("-samples is required")
	}
	if ext := filepath.Ext(path); ext != ".json" {
		return nil, fmt.Errorf("samples file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat samples file: %w", err)
	}
	if info.Size() > maxSamplesFileSize {
		return nil, fmt.Errorf("samples file too large: %d bytes (max %d)", info.Size(), maxSamplesFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read samples file: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s is not valid JSON", path)
	}
	return data, nil
}

type controlEnvelope struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

type controlError struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// pushSamples posts compute-pairwise-poses, then refine-poses when refine
// is set, to the control endpoint at base. Each response body is copied
// to out. The first failure stops the sequence.
func pushSamples(client httputil.HTTPClient, base string, samples json.RawMessage, refine bool, out io.Writer) error {
	events := []string{"compute-pairwise-poses"}
	if refine {
		events = append(events, "refine-poses")
	}
	url := strings.TrimSuffix(base, "/") + "/api/control"
	for _, ev := range events {
		status, data, err := httputil.PostJSON(client, url, controlEnvelope{
			Event:   ev,
			Payload: map[string]json.RawMessage{"camera_points": samples},
		})
		if err != nil {
			return fmt.Errorf("%s: %w", ev, err)
		}
		if status != http.StatusOK {
			var ce controlError
			if json.Unmarshal(data, &ce) == nil && ce.Error.Kind != "" {
				return fmt.Errorf("%s: %s: %s", ev, ce.Error.Kind, ce.Error.Message)
			}
			return fmt.Errorf("%s: unexpected status %d", ev, status)
		}
		if _, err := fmt.Fprintf(out, "%s\n", data); err != nil {
			return err
		}
	}
	return nil
}
