package jubensdk

import (
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/xerrors"
)

// Response is the generic error payload returned by the backend.
type Response struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Error is an API error decoded from a non-2xx response.
type Error struct {
	Response

	StatusCode int
	Method     string
	URL        string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: unexpected status code %d: %s: %s", e.Method, e.URL, e.StatusCode, msg, e.Detail)
	}
	return fmt.Sprintf("%s %s: unexpected status code %d: %s", e.Method, e.URL, e.StatusCode, msg)
}

// AsError extracts an *Error from err, unwrapping as needed.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	return apiErr, xerrors.As(err, &apiErr)
}

// IsBusy reports whether err is the backend's single-generation-per-
// session throttle (HTTP 429). The previous response is still being
// generated; callers should resume or wait rather than retry blindly.
func IsBusy(err error) bool {
	apiErr, ok := AsError(err)
	return ok && apiErr.StatusCode == http.StatusTooManyRequests
}

// ReadBodyAsError converts a non-2xx response into an *Error. The
// response body is consumed. A 429 always carries a human-readable
// message because the backend holds one in-flight generation per
// session and surfaces the limit frequently during normal use;
// whatever the body said is kept in Detail.
func ReadBodyAsError(res *http.Response) error {
	defer res.Body.Close()

	apiErr := &Error{
		StatusCode: res.StatusCode,
	}
	if res.Request != nil {
		apiErr.Method = res.Request.Method
		if res.Request.URL != nil {
			apiErr.URL = res.Request.URL.Path
		}
	}

	body := trimmedBody(res.Body, 4096)
	var decoded Response
	if err := json.Unmarshal([]byte(body), &decoded); err == nil && decoded.Message != "" {
		apiErr.Response = decoded
	} else {
		apiErr.Message = body
	}

	if res.StatusCode == http.StatusTooManyRequests {
		if apiErr.Detail == "" {
			apiErr.Detail = apiErr.Message
		}
		apiErr.Message = "the agent is still thinking over the previous message, please wait for it to finish"
	}
	return apiErr
}
