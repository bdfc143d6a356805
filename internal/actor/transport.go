package actor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Call is one named remote invocation.
type Call struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

// Envelope is the reply to a Call. Exactly one of Ok or Err is meaningful:
// Err carries the failure string the remote declared, Ok the payload.
type Envelope struct {
	Ok  json.RawMessage `json:"ok,omitempty"`
	Err *string         `json:"err,omitempty"`
}

// Transport delivers calls to the remote actor. A non-nil error means the
// call never produced an Envelope.
type Transport interface {
	Invoke(ctx context.Context, token string, call Call) (*Envelope, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, token string, call Call) (*Envelope, error)

func (f TransportFunc) Invoke(ctx context.Context, token string, call Call) (*Envelope, error) {
	return f(ctx, token, call)
}

// maxReplySize bounds a single reply body.
const maxReplySize = 8 << 20

// HTTPTransport posts calls as JSON to a gateway in front of the canister.
type HTTPTransport struct {
	BaseURL    string
	CanisterID string
	HTTPClient *http.Client
}

// NewHTTPTransport creates a transport for the canister behind host.
func NewHTTPTransport(host, canisterID string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL:    strings.TrimRight(host, "/"),
		CanisterID: canisterID,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *HTTPTransport) endpoint() string {
	return fmt.Sprintf("%s/api/v2/canister/%s/call", t.BaseURL, t.CanisterID)
}

func (t *HTTPTransport) Invoke(ctx context.Context, token string, call Call) (*Envelope, error) {
	if call.Args == nil {
		call.Args = []any{}
	}
	body, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var env Envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReplySize)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return &env, nil
}
