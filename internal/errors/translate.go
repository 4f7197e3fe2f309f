package errors

import "net/http"

// Category is the stable, caller-facing description of a failure.
type Category struct {
	Kind    Kind   `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Status  int    `json:"-"`
}

type categoryInfo struct {
	message string
	status  int
}

var categories = map[Kind]categoryInfo{
	KindUnreachable:       {"device is offline or unreachable", http.StatusBadGateway},
	KindRefused:           {"device refused the connection", http.StatusBadGateway},
	KindProtocolMismatch:  {"address does not answer as a fingerprint terminal", http.StatusBadGateway},
	KindTimeout:           {"device did not answer in time", http.StatusGatewayTimeout},
	KindPoolExhausted:     {"all device connections are busy, try again shortly", http.StatusServiceUnavailable},
	KindSessionConflict:   {"device is busy with another enrollment", http.StatusConflict},
	KindDeviceUnavailable: {"device is offline", http.StatusServiceUnavailable},
	KindDeviceError:       {"device reported a fault", http.StatusBadGateway},
	KindNotFound:          {"not found", http.StatusNotFound},
	KindInvalidRequest:    {"invalid request", http.StatusBadRequest},
	KindCaptureRejected:   {"fingerprint capture was rejected, please retry", http.StatusUnprocessableEntity},
	KindCancelled:         {"operation was cancelled", http.StatusConflict},
	KindInternal:          {"internal error", http.StatusInternalServerError},
}

// Translate maps err onto its caller-facing category.  A nil error
// yields the zero Category.
func Translate(err error) Category {
	if err == nil {
		return Category{}
	}
	return CategoryOf(KindOf(err), err.Error())
}

// CategoryOf builds the category for kind with the given diagnostic.
func CategoryOf(kind Kind, detail string) Category {
	info, ok := categories[kind]
	if !ok {
		kind = KindInternal
		info = categories[KindInternal]
	}
	return Category{
		Kind:    kind,
		Code:    kind.String(),
		Message: info.message,
		Detail:  detail,
		Status:  info.status,
	}
}
