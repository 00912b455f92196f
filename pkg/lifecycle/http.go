package lifecycle

import "net/http"

// HTTPStatus maps err to a response code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidTransition:
		return http.StatusConflict
	case KindDuplicateIssuance:
		return http.StatusOK
	case KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	case KindSynchronousRejection:
		return http.StatusBadGateway
	case KindAsyncFailure:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
