package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// ResponseType classifies a response by how much of it the page is allowed to
// observe.
type ResponseType string

const (
	// ResponseTypeBasic is a same-origin response.
	ResponseTypeBasic ResponseType = "basic"
	// ResponseTypeCORS is a cross-origin response the remote explicitly shared.
	ResponseTypeCORS ResponseType = "cors"
	// ResponseTypeOpaque is a cross-origin response whose status cannot be
	// verified by the page.
	ResponseTypeOpaque ResponseType = "opaque"
)

// Response is an immutable snapshot of an HTTP response. The body has already
// been read from the network, so a Response can be handed out any number of
// times; use Clone when two owners need independent copies.
type Response struct {
	Status int          `json:"status"`
	Header http.Header  `json:"header"`
	Body   []byte       `json:"body"`
	Type   ResponseType `json:"type"`
	URL    string       `json:"url"`
}

// Clone returns a deep copy of the response: no header slice or body byte is
// shared with the receiver.
func (r Response) Clone() Response {
	return Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   bytes.Clone(r.Body),
		Type:   r.Type,
		URL:    r.URL,
	}
}

// OK reports whether the status is in the success range.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

// Cacheable reports whether the response may be written to the store: it must
// be a complete 200 from the same origin. A 206 answers a Range request and
// would be replayed to every later GET of the same URL.
func (r Response) Cacheable() bool {
	return r.Status == http.StatusOK && r.Type == ResponseTypeBasic
}

// visitorHeaders are never stored: the store is shared by every client of the
// proxy.
var visitorHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// Shareable returns a copy of the response that is safe to replay to any
// visitor.
func (r Response) Shareable() Response {
	shared := r.Clone()
	for _, name := range visitorHeaders {
		shared.Header.Del(name)
	}
	return shared
}

// HTTPResponse renders the snapshot as a fresh *http.Response for the request.
// Each call gets its own body reader.
func (r Response) HTTPResponse(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(r.Body)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

func marshalRecord(resp Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return data, nil
}

func unmarshalRecord(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("failed to unmarshal cached response: %w", err)
	}
	return resp, nil
}
