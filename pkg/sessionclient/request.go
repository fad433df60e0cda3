package sessionclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	contentTypeHeader = "Content-Type"
	contentTypeJSON   = "application/json"
)

// Request is a business request handed to Client.Do. Body is kept as bytes so the
// pipeline can replay it after recovering from a 401 or 403.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
	// Multipart marks multipart or binary bodies; the JSON content type is not defaulted.
	Multipart bool
}

// NewJSONRequest builds a request whose body is payload encoded as JSON. A nil payload
// produces an empty body.
func NewJSONRequest(method string, path string, payload any) (*Request, error) {
	request := &Request{Method: method, Path: path, Header: make(http.Header)}
	if payload == nil {
		return request, nil
	}
	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		return nil, fmt.Errorf("session.request.encode: %w", encodeErr)
	}
	request.Body = encoded
	request.Header.Set(contentTypeHeader, contentTypeJSON)
	return request, nil
}

// Response is a successful (2xx) response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON unmarshals the body into target.
func (response *Response) DecodeJSON(target any) error {
	if response == nil || len(response.Body) == 0 {
		return fmt.Errorf("session.response.decode: %w", ErrUnexpectedEnvelope)
	}
	if err := json.Unmarshal(response.Body, target); err != nil {
		return fmt.Errorf("session.response.decode: %w", err)
	}
	return nil
}

type requestCredentials struct {
	AccessToken string
	CSRFToken   string
	TenantID    string
}

// decorateRequest computes the outgoing headers for one attempt. It reads nothing but
// its arguments.
func decorateRequest(request *Request, class pathClass, defaults http.Header, credentials requestCredentials, tenantHeader string) http.Header {
	header := make(http.Header)
	for key, values := range defaults {
		header[key] = append([]string(nil), values...)
	}
	for key, values := range request.Header {
		header[key] = append([]string(nil), values...)
	}

	if class.IsSessionEndpoint {
		header.Del(authorizationHeader)
	} else if credentials.AccessToken != "" {
		header.Set(authorizationHeader, bearerPrefix+credentials.AccessToken)
	}

	if !class.IsAuth {
		if credentials.CSRFToken != "" {
			header.Set(CSRFHeaderName, credentials.CSRFToken)
		}
		if credentials.TenantID != "" && tenantHeader != "" {
			header.Set(tenantHeader, credentials.TenantID)
		}
	}

	if !request.Multipart && strings.TrimSpace(header.Get(contentTypeHeader)) == "" {
		header.Set(contentTypeHeader, contentTypeJSON)
	}
	return header
}

type recoveryAction int

const (
	recoveryPropagate recoveryAction = iota
	recoveryReseedCSRF
	recoveryRefreshToken
)

type retryMarkers struct {
	CSRFRetried    bool
	RefreshRetried bool
}

// planRecovery decides what to do with a failed attempt.
func planRecovery(markers retryMarkers, class pathClass, statusCode int, allowRefresh bool) recoveryAction {
	if class.IsSessionEndpoint {
		return recoveryPropagate
	}
	switch statusCode {
	case http.StatusForbidden:
		if !class.IsAuth && !markers.CSRFRetried {
			return recoveryReseedCSRF
		}
	case http.StatusUnauthorized:
		if !markers.RefreshRetried && allowRefresh {
			return recoveryRefreshToken
		}
	}
	return recoveryPropagate
}
