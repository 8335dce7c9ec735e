package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// errNotFound covers both a missing resource and a read-denied one. The two
// cases are deliberately indistinguishable so callers cannot probe for the
// existence of resources they cannot read.
func errNotFound(kind, id string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("Cannot find %s with ID: %s", kind, id), nil)
}

// errForbidden is for resources the caller can see but not act on.
func errForbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func errValidation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func errUnsupportedResourceType(resourceType string) *DomainError {
	return domainError(http.StatusBadRequest, "UNSUPPORTED_RESOURCE_TYPE", fmt.Sprintf("Unrecognised resource type: %s", resourceType), nil)
}

func errConflict(message string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, nil)
}
