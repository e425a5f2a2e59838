package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/shepherdsync/backend/internal/apperr"
	"github.com/shepherdsync/backend/internal/store"
)

// maxBodyBytes caps JSON request bodies. Webhook payloads have their own limit.
const maxBodyBytes = 1 << 20

func decodeBody(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func decodeJSON(r *http.Request, dst any) error {
	if err := decodeBody(r, dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.BadRequest("request body is required")
		}
		return apperr.BadRequest("invalid request body: " + err.Error())
	}
	return nil
}

// decodeJSONOptional reads a JSON body when one is present. An empty
// body leaves dst at its zero value.
func decodeJSONOptional(r *http.Request, dst any) error {
	if err := decodeBody(r, dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.BadRequest("invalid request body: " + err.Error())
	}
	return nil
}

func pageParams(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}

// storeError maps store sentinel errors onto HTTP error kinds. Conflict
// errors keep their message since it names the colliding field.
func storeError(err error, notFoundMsg string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(notFoundMsg)
	case errors.Is(err, store.ErrConflict):
		msg := strings.TrimPrefix(err.Error(), "store: ")
		msg = strings.TrimSuffix(msg, ": "+store.ErrConflict.Error())
		return apperr.Conflict(msg)
	default:
		return err
	}
}
