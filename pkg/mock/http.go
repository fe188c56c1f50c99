package mock

import (
	"bytes"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"
)

// HTTPResponse is a scripted response of HTTPClient
type HTTPResponse struct {
	Code   int
	Body   string
	Header http.Header
	Err    error
}

// JSONResponse returns HTTPResponse with application/json content type
func JSONResponse(code int, body string) *HTTPResponse {
	return &HTTPResponse{
		Code:   code,
		Body:   body,
		Header: http.Header{"Content-Type": []string{"application/json"}},
	}
}

// HTTPRequest is a recorded request. Body is read out because the original is consumed.
type HTTPRequest struct {
	*http.Request
	Body []byte
}

// HTTPClient is mock of adaptor.HTTPClient. Responses are registered per "METHOD path" and
// returned in order; the last one is repeated. RespCode and RespBody are used for unknown routes.
type HTTPClient struct {
	Requests []*HTTPRequest
	RespCode int
	RespBody io.ReadCloser

	routes map[string][]*HTTPResponse
	mutex  sync.Mutex
}

func routeKey(method, path string) string {
	return method + " " + path
}

// On registers responses for method and URL path
func (x *HTTPClient) On(method, path string, responses ...*HTTPResponse) {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	if x.routes == nil {
		x.routes = make(map[string][]*HTTPResponse)
	}
	x.routes[routeKey(method, path)] = append(x.routes[routeKey(method, path)], responses...)
}

// Count returns number of requests to method and URL path
func (x *HTTPClient) Count(method, path string) int {
	return len(x.Find(method, path))
}

// Find returns requests to method and URL path
func (x *HTTPClient) Find(method, path string) []*HTTPRequest {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	var found []*HTTPRequest
	for _, req := range x.Requests {
		if req.Method == method && req.URL.Path == path {
			found = append(found, req)
		}
	}
	return found
}

func (x *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		raw, err := ioutil.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		body = raw
	}

	x.mutex.Lock()
	defer x.mutex.Unlock()
	x.Requests = append(x.Requests, &HTTPRequest{Request: req, Body: body})

	key := routeKey(req.Method, req.URL.Path)
	queue, ok := x.routes[key]
	if !ok || len(queue) == 0 {
		body := x.RespBody
		if body == nil {
			body = ioutil.NopCloser(bytes.NewReader(nil))
		}
		return &http.Response{
			StatusCode: x.RespCode,
			Body:       body,
			Header:     http.Header{},
		}, nil
	}

	resp := queue[0]
	if len(queue) > 1 {
		x.routes[key] = queue[1:]
	}
	if resp.Err != nil {
		return nil, resp.Err
	}

	header := resp.Header
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: resp.Code,
		Status:     http.StatusText(resp.Code),
		Header:     header,
		Body:       ioutil.NopCloser(bytes.NewReader([]byte(resp.Body))),
		Request:    req,
	}, nil
}

// Multipart returns the named part of a recorded multipart/form-data request
func (x *HTTPRequest) Multipart(name string) ([]byte, error) {
	r := x.Request.Clone(x.Request.Context())
	r.Body = ioutil.NopCloser(bytes.NewReader(x.Body))
	if err := r.ParseMultipartForm(int64(len(x.Body)) + 1024); err != nil {
		return nil, err
	}

	if values, ok := r.MultipartForm.Value[name]; ok && len(values) > 0 {
		return []byte(values[0]), nil
	}
	if files, ok := r.MultipartForm.File[name]; ok && len(files) > 0 {
		fd, err := files[0].Open()
		if err != nil {
			return nil, err
		}
		defer fd.Close()
		return ioutil.ReadAll(fd)
	}
	return nil, io.EOF
}

// Query returns query parameter of the recorded request
func (x *HTTPRequest) Query(key string) string {
	return strings.TrimSpace(x.URL.Query().Get(key))
}
