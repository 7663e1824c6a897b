package ratelimit

import "net/http"

// Transport is an http.RoundTripper that feeds every response's rate-limit
// headers into a Tracker. Installed once per client; the extraction is
// passive and never alters the request or response.
type Transport struct {
	Base    http.RoundTripper
	Tracker *Tracker
}

// NewTransport wraps base (nil means http.DefaultTransport).
func NewTransport(base http.RoundTripper, tracker *Tracker) *Transport {
	return &Transport{Base: base, Tracker: tracker}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if resp != nil && t.Tracker != nil {
		t.Tracker.UpdateFromHeaders(resp.Header)
	}
	return resp, err
}
