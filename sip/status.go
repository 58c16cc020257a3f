package sip

// StatusCategory groups final response codes by what they mean for a test
// call.
type StatusCategory uint8

const (
	// CategorySuccess covers 2xx responses.
	CategorySuccess StatusCategory = iota
	// CategoryAuthRequired covers 401 and 407 challenges.
	CategoryAuthRequired
	// CategoryNotFound covers 404: the target does not exist.
	CategoryNotFound
	// CategoryBusy covers 486, 600 and 603: the callee would not take the call.
	CategoryBusy
	// CategoryTimeout covers 408, 480 and 504: nobody answered in time.
	CategoryTimeout
	// CategoryServerError covers the remaining 5xx codes.
	CategoryServerError
	// CategoryClientError covers the remaining 4xx codes.
	CategoryClientError
	// CategoryRedirect covers 3xx, which this client does not follow.
	CategoryRedirect
	// CategoryGlobalFailure covers the remaining 6xx codes.
	CategoryGlobalFailure
	// CategoryProvisional covers 1xx.
	CategoryProvisional
)

// String returns a human-readable representation of the category.
func (c StatusCategory) String() string {
	switch c {
	case CategorySuccess:
		return "success"
	case CategoryAuthRequired:
		return "auth_required"
	case CategoryNotFound:
		return "not_found"
	case CategoryBusy:
		return "busy"
	case CategoryTimeout:
		return "timeout"
	case CategoryServerError:
		return "server_error"
	case CategoryClientError:
		return "client_error"
	case CategoryRedirect:
		return "redirect"
	case CategoryGlobalFailure:
		return "global_failure"
	case CategoryProvisional:
		return "provisional"
	default:
		return "unknown"
	}
}

// Categorize classifies a status code.
func Categorize(code int) StatusCategory {
	switch code {
	case 401, 407:
		return CategoryAuthRequired
	case 404:
		return CategoryNotFound
	case 486, 600, 603:
		return CategoryBusy
	case 408, 480, 504:
		return CategoryTimeout
	}

	switch {
	case code < 200:
		return CategoryProvisional
	case code < 300:
		return CategorySuccess
	case code < 400:
		return CategoryRedirect
	case code < 500:
		return CategoryClientError
	case code < 600:
		return CategoryServerError
	default:
		return CategoryGlobalFailure
	}
}
