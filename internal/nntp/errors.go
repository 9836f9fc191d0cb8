package nntp

import "errors"

// ErrArticleNotFound is returned for a 430/423 "no such article" response.
var ErrArticleNotFound = errors.New("nntp: article not found")

// ErrProtocol covers any unexpected server response during the greeting or
// command/response exchange.
var ErrProtocol = errors.New("nntp: protocol error")

// ErrAuthFailed is returned when AUTHINFO USER/PASS is rejected. The
// returned error text carries only the numeric response code -- never the
// submitted credentials.
var ErrAuthFailed = errors.New("nntp: authentication failed")

// ErrGroupNotFound is returned when GROUP doesn't answer 211.
var ErrGroupNotFound = errors.New("nntp: group not found")

// ErrConnBroken is returned by any operation attempted on a connection
// that a prior operation already marked broken (desynchronised stream).
var ErrConnBroken = errors.New("nntp: connection broken")
