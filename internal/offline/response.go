package offline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// OfflineBody is the JSON body returned for API calls while unreachable.
const OfflineBody = `{"error":"Currently offline"}`

// CachedResponse is a stored asset response.
type CachedResponse struct {
	StatusCode int         `json:"statusCode"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"storedAt"`
}

func encodeResponse(cr CachedResponse) ([]byte, error) {
	return json.Marshal(cr)
}

func decodeResponse(data []byte) (CachedResponse, error) {
	var cr CachedResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return CachedResponse{}, fmt.Errorf("offline: decode cached response: %w", err)
	}
	return cr, nil
}

// capture drains resp into a CachedResponse and rewinds resp.Body so the
// caller can still read it.
func capture(resp *http.Response, now time.Time) (CachedResponse, error) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return CachedResponse{}, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return CachedResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   now.UTC(),
	}, nil
}

// Response materializes the stored response for req.
func (cr CachedResponse) Response(req *http.Request) *http.Response {
	header := cr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(cr.Body)))
	return newResponse(req, cr.StatusCode, header, cr.Body)
}

// OfflineResponse is the synthetic 503 returned for API calls that cannot
// reach the network.
func OfflineResponse(req *http.Request) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Content-Length", strconv.Itoa(len(OfflineBody)))
	return newResponse(req, http.StatusServiceUnavailable, header, []byte(OfflineBody))
}

func newResponse(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
