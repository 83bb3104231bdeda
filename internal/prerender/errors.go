package prerender

import "errors"

var (
	// ErrInvalidURL reports a job URL that is not an absolute http(s) URI. Answered with 400.
	ErrInvalidURL = errors.New("invalid url")
	// ErrRequestTimedOut reports work abandoned because the job's deadline fired.
	ErrRequestTimedOut = errors.New("request timed out")
	// ErrBrowserUnavailable reports a job refused because the browser never connected. Answered with 503.
	ErrBrowserUnavailable = errors.New("browser unavailable")
	// ErrBrowserConnectTimeout reports a job that gave up waiting for the browser to reconnect.
	ErrBrowserConnectTimeout = errors.New("timed out waiting for browser connection")
	// ErrRender wraps any driver failure during tab open, navigation, scripting or extraction.
	ErrRender = errors.New("render failed")
)
