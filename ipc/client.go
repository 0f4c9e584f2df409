package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/sagernet/sing/common/json"

	"github.com/getlantern/boxclient"
)

// empty is a placeholder type for requests that do not expect a response body.
type empty struct{}

// RemoteError is an error reported by the daemon. It wraps the boxclient error kind when the
// daemon reported one, so errors.Is(err, boxclient.ErrState) works across the socket.
type RemoteError struct {
	StatusCode int
	Kind       error
	Msg        string
}

func (e *RemoteError) Error() string {
	return e.Msg
}

func (e *RemoteError) Unwrap() error {
	return e.Kind
}

// sendRequest sends an HTTP request to the specified endpoint with the given method and data.
func sendRequest[T any](ctx context.Context, method, endpoint string, data any) (T, error) {
	var res T
	var body io.Reader
	if data != nil {
		buf, err := json.Marshal(data)
		if err != nil {
			return res, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, apiURL+endpoint, body)
	if err != nil {
		return res, err
	}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: dialContext,
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, ErrIPCNotRunning
		}
		return res, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return res, readError(resp)
	}
	if _, ok := any(&res).(*empty); ok {
		return res, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, fmt.Errorf("failed to decode response: %w", err)
	}
	return res, nil
}

func readError(resp *http.Response) error {
	rerr := &RemoteError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er errorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		rerr.Msg = er.Error
		rerr.Kind = errorKinds[er.Kind]
		return rerr
	}
	rerr.Msg = fmt.Sprintf("received error response: %s: %s", resp.Status, bytes.TrimSpace(data))
	return rerr
}

// GetStatus retrieves the daemon status. If the daemon is not running, ErrIPCNotRunning is
// returned.
func GetStatus(ctx context.Context) (Status, error) {
	return sendRequest[Status](ctx, http.MethodGet, statusEndpoint, nil)
}

// GetStats retrieves the runtime statistics of the daemon's client.
func GetStats(ctx context.Context) (boxclient.Stats, error) {
	return sendRequest[boxclient.Stats](ctx, http.MethodGet, statsEndpoint, nil)
}

// StartService asks the daemon to start the engine with its loaded config.
func StartService(ctx context.Context) error {
	_, err := sendRequest[empty](ctx, http.MethodPost, startServiceEndpoint, nil)
	return err
}

// StopService asks the daemon to stop the engine. The daemon keeps running.
func StopService(ctx context.Context) error {
	_, err := sendRequest[empty](ctx, http.MethodPost, stopServiceEndpoint, nil)
	return err
}

// LoadConfig asks the daemon to load the config file at path. The path is resolved by the daemon.
func LoadConfig(ctx context.Context, path string) error {
	_, err := sendRequest[empty](ctx, http.MethodPost, configEndpoint, pathRequest{Path: path})
	return err
}

// TestConfig asks the daemon to dry-run the config file at path.
func TestConfig(ctx context.Context, path string) (TestResult, error) {
	return sendRequest[TestResult](ctx, http.MethodPost, testConfigEndpoint, pathRequest{Path: path})
}
