// Package xhttp provides HTTP client plumbing shared by the registry client.
package xhttp

import (
	"net/http"
)

// Client is an interface for an HTTP client. It is implemented by
// *http.Client and by the authenticating client in pkg/registry/remote.
type Client interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)
}

// ClientFunc is a function that implements Client.
type ClientFunc func(req *http.Request) (*http.Response, error)

// Do implements Client.
func (fn ClientFunc) Do(req *http.Request) (*http.Response, error) {
	return fn(req)
}
