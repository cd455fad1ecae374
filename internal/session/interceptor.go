package session

import "net/http"

// TokenHeader is the request header the server reads the credential from.
const TokenHeader = "token"

// Interceptor attaches the stored credential to every outgoing request.
// Without a credential the request goes out unchanged.
type Interceptor struct {
	Store CredentialStore
	Base  http.RoundTripper
}

func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	base := i.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if i.Store != nil {
		if token, ok := i.Store.Get(TokenKey); ok && token != "" {
			// RoundTrippers must not modify the caller's request
			req = req.Clone(req.Context())
			req.Header.Set(TokenHeader, token)
		}
	}
	return base.RoundTrip(req)
}
