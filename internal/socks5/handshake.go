package socks5

import (
	"bufio"
	"fmt"
	"io"
	"slices"
)

// selectMethod picks no-auth when no credentials are configured, otherwise
// username/password; anything else is no-acceptable-methods.
func selectMethod(offered []AuthMethod, creds *Credentials) AuthMethod {
	switch {
	case creds == nil && slices.Contains(offered, MethodNoAuth):
		return MethodNoAuth
	case creds != nil && slices.Contains(offered, MethodUserPass):
		return MethodUserPass
	default:
		return MethodNoAcceptable
	}
}

// negotiate drives greeting, method selection and the optional RFC 1929
// sub-negotiation. On any error the caller closes the connection; nothing
// after the failing step is read.
func negotiate(br *bufio.Reader, w io.Writer, creds *Credentials) (AuthMethod, error) {
	greeting, err := readFrame(br, ParseGreeting)
	if err != nil {
		return MethodNoAcceptable, fmt.Errorf("read greeting: %w", err)
	}

	method := selectMethod(greeting.Methods, creds)
	if _, err := w.Write(AppendMethodSelection(nil, method)); err != nil {
		return method, fmt.Errorf("write method selection: %w", err)
	}
	if method == MethodNoAcceptable {
		return method, &AuthError{Msg: fmt.Sprintf("no acceptable method in %v", greeting.Methods)}
	}
	if method == MethodNoAuth {
		return method, nil
	}

	req, err := readFrame(br, ParseUserPassRequest)
	if err != nil {
		return method, fmt.Errorf("read username/password: %w", err)
	}
	status := UserPassStatusSuccess
	if !creds.Verify(req.Username, req.Password) {
		status = UserPassStatusFailure
	}
	if _, err := w.Write(AppendUserPassStatus(nil, status)); err != nil {
		return method, fmt.Errorf("write auth status: %w", err)
	}
	if status != UserPassStatusSuccess {
		return method, &AuthError{Msg: fmt.Sprintf("bad credentials for user %q", req.Username)}
	}
	return method, nil
}
