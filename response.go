package weblogin

import (
	"net/http"
	"net/url"
)

// Response is the outcome of one intercepted request, with redirects already
// followed and the body fully read. Handlers treat it as read-only; a handler
// produces a new Response by issuing further requests through the Session.
type Response struct {
	// URL is the final URL after following redirects.
	URL *url.URL

	StatusCode int
	Header     http.Header
	Body       []byte

	// History holds the URLs of the redirect hops that led here, oldest
	// first. Empty when the request was served directly.
	History []*url.URL
}

// Redirected reports whether the response resulted from a redirect chain.
func (r *Response) Redirected() bool {
	return len(r.History) > 0
}

// newResponse converts a completed http.Response whose body has already been
// read into body. The redirect history is recovered by walking the chain of
// requests the transport recorded.
func newResponse(hr *http.Response, body []byte) *Response {
	resp := &Response{
		URL:        hr.Request.URL,
		StatusCode: hr.StatusCode,
		Header:     hr.Header,
		Body:       body,
	}
	// Each hop's response points back at the request that provoked it.
	var hops []*url.URL
	for prev := hr.Request.Response; prev != nil; prev = prev.Request.Response {
		hops = append(hops, prev.Request.URL)
	}
	// Walked newest to oldest; reverse.
	for i, j := 0, len(hops)-1; i < j; i, j = i+1, j-1 {
		hops[i], hops[j] = hops[j], hops[i]
	}
	resp.History = hops
	return resp
}
