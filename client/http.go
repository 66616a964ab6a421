package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// requestTimeout bounds every API call.
	requestTimeout = 10 * time.Second

	// maxBodySize caps response bodies read into memory.
	maxBodySize = 16 << 20
)

var httpClient = &http.Client{Timeout: requestTimeout}

// get performs a GET request and returns the response on 200 OK.
// 404 maps to ErrNotFound.
func get(url string) (*http.Response, error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET %s:\n%w", url, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusNotFound:
		drain(resp)
		return nil, ErrNotFound
	default:
		drain(resp)
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
}

// drain discards and closes a response body.
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// httpGet performs a GET request and decodes the JSON response.
func httpGet(url string, result any) error {
	resp, err := get(url)
	if err != nil {
		return err
	}
	defer drain(resp)

	return json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(result)
}

// httpGetBytes performs a GET request and returns the raw body.
func httpGetBytes(url string) ([]byte, error) {
	resp, err := get(url)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body:\n%w", err)
	}

	return data, nil
}
