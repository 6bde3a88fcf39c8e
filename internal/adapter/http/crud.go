package http

import (
	"context"
	"net/http"
)

// handleList serves a collection as a JSON array, never null.
func handleList[T any](list func(ctx context.Context) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := list(r.Context())
		if err != nil {
			writeDomainError(w, err, "not found")
			return
		}
		if items == nil {
			items = []T{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// handleTask runs fn on the task named by the {id} route parameter and
// answers with the resulting task and the given status.
func handleTask[T any](status int, fn func(ctx context.Context, id string) (*T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := fn(r.Context(), urlParam(r, "id"))
		if err != nil {
			writeDomainError(w, err, "task not found")
			return
		}
		writeJSON(w, status, item)
	}
}
