package weblogin

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
)

// RequestSpec describes one request fully enough to replay it after a login
// round. Call sites that cannot supply one pass nil, in which case handlers
// return their last intermediate response instead of resuming the call.
type RequestSpec struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// NewRequestSpec builds a spec for a bodyless request.
func NewRequestSpec(method, rawurl string) *RequestSpec {
	return &RequestSpec{Method: method, URL: rawurl}
}

// NewFormSpec builds a spec that POSTs values url-encoded to rawurl.
func NewFormSpec(rawurl string, values url.Values) *RequestSpec {
	header := make(http.Header)
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	return &RequestSpec{
		Method: http.MethodPost,
		URL:    rawurl,
		Header: header,
		Body:   []byte(values.Encode()),
	}
}

// formSpec builds a spec for submitting values with the given method. A GET
// submission replaces the action URL's query string with the encoded values,
// as a browser would.
func formSpec(method, rawurl string, values url.Values) *RequestSpec {
	if strings.EqualFold(method, http.MethodGet) {
		u, err := url.Parse(rawurl)
		if err != nil {
			// Leave the bad URL for the transport to report.
			return NewRequestSpec(http.MethodGet, rawurl)
		}
		u.RawQuery = values.Encode()
		return NewRequestSpec(http.MethodGet, u.String())
	}
	return NewFormSpec(rawurl, values)
}

func (spec *RequestSpec) httpRequest(ctx context.Context) (*http.Request, error) {
	var body *bytes.Reader
	if spec.Body != nil {
		body = bytes.NewReader(spec.Body)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, body)
	if err != nil {
		return nil, err
	}
	for key, vals := range spec.Header {
		for _, v := range vals {
			req.Header.Add(key, v)
		}
	}
	return req, nil
}
