package api

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// writeJSONResponse renders an APIResponse with the given status code.
func writeJSONResponse(w http.ResponseWriter, r *http.Request, statusCode int, response models.APIResponse) {
	render.Status(r, statusCode)
	render.JSON(w, r, response)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	writeJSONResponse(w, r, statusCode, models.Error(message))
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "Requested resource not found")
}

func methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
}
