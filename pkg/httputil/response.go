// Package httputil provides the fixed responses devproxy writes itself.
package httputil

import "net/http"

// FailureBody is the body of every internal-error response. It never carries
// details about the cause; those go to the server log.
const FailureBody = "Something went wrong"

// WriteFailure writes the generic 500 response.
func WriteFailure(w http.ResponseWriter) {
	http.Error(w, FailureBody, http.StatusInternalServerError)
}

// WriteNotFound writes a plain 404 response.
func WriteNotFound(w http.ResponseWriter) {
	http.Error(w, "File not found", http.StatusNotFound)
}
