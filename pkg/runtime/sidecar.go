package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/visionworks/inferd/pkg/contract"
)

// sidecarFactory executes models through an external inference process
// reached over HTTP. The runtime manages the communication only; the
// sidecar owns the framework bindings.
type sidecarFactory struct {
	client *http.Client
}

func init() {
	RegisterFactory(&sidecarFactory{
		client: &http.Client{Timeout: 0}, // per-stage deadlines come from the caller's context
	})
}

func (f *sidecarFactory) Kind() contract.RuntimeKind { return contract.RuntimeSidecar }

func (f *sidecarFactory) Open(ctx context.Context, desc *contract.Descriptor) (Model, error) {
	m := &sidecarModel{
		client:  f.client,
		baseURL: desc.EntryPoints.SidecarURL,
		modelID: desc.ModelID,
		version: desc.RawVersion,
	}
	if err := m.ping(ctx); err != nil {
		return nil, fmt.Errorf("sidecar %s unreachable: %w", m.baseURL, err)
	}
	return m, nil
}

// sidecarModel is one connection-scoped handle to a sidecar process.
type sidecarModel struct {
	client  *http.Client
	baseURL string
	modelID string
	version string
}

type sidecarRequest struct {
	ModelID string      `json:"model_id"`
	Version string      `json:"version"`
	Input   interface{} `json:"input"`
}

func (m *sidecarModel) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar health returned %d", resp.StatusCode)
	}
	return nil
}

func (m *sidecarModel) Infer(ctx context.Context, input interface{}) (interface{}, error) {
	body, err := json.Marshal(sidecarRequest{ModelID: m.modelID, Version: m.version, Input: input})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/infer", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("sidecar infer returned %d: %s", resp.StatusCode, payload)
	}

	var out Output
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("sidecar response is not a valid output: %w", err)
	}
	return &out, nil
}

func (m *sidecarModel) Close() error { return nil }
