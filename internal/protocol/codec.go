package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/mattjoyce/snapline/internal/codec"
)

// ErrNoResponse means the worker closed the result channel without a message.
var ErrNoResponse = errors.New("worker sent no result")

// EncodeRequest serializes req as one CBOR item on w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.WorkspaceDir == "" || req.Command == "" {
		return fmt.Errorf("request missing workspace_dir or command")
	}
	if err := codec.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeRequest reads one request from r.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := codec.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	return &req, nil
}

// EncodeResponse writes resp as one CBOR item on w.
func EncodeResponse(w io.Writer, resp *Response) error {
	resp.Protocol = Version
	if err := codec.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}

// DecodeResponse reads the single response from the result channel. It
// returns as soon as one item has been decoded. A channel closed before any
// byte arrived yields ErrNoResponse.
func DecodeResponse(r io.Reader, workspaceID string) (*Response, error) {
	var resp Response
	if err := codec.NewDecoder(r).Decode(&resp); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoResponse
		}
		return nil, fmt.Errorf("response is not valid CBOR: %w", err)
	}
	if resp.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", resp.Protocol)
	}
	if resp.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("response for workspace %q, expected %q", resp.WorkspaceID, workspaceID)
	}
	if !resp.Result.Success && resp.Result.Message == "" {
		return nil, fmt.Errorf("failed result without message")
	}
	return &resp, nil
}
