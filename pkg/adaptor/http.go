package adaptor

import "net/http"

// HTTPClient is the session used to access the batch API. Authentication is the client's concern.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenTransport sets API token to every request
type TokenTransport struct {
	Token string
	Base  http.RoundTripper
}

// RoundTrip implements http.RoundTripper
func (x *TokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := x.Base
	if base == nil {
		base = http.DefaultTransport
	}

	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "TC-Token "+x.Token)
	return base.RoundTrip(r)
}

// NewHTTPClient returns *http.Client that authenticates requests by token
func NewHTTPClient(token string) HTTPClient {
	return &http.Client{
		Transport: &TokenTransport{Token: token},
	}
}
