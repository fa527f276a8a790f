package common

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/tidwall/gjson"
)

// MaxBodySize bounds request bodies read by the handlers
const MaxBodySize = 10 << 20

// ErrDuplicateParam indicates a form parameter was sent more than once
var ErrDuplicateParam = errors.New("parameters must not be included more than once")

// ReadParams reads named string parameters from a JSON or form-encoded body
func ReadParams(r *http.Request, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize))
		if err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		if len(body) == 0 {
			return out, nil
		}
		if !gjson.ValidBytes(body) {
			return nil, errors.New("body is not valid JSON")
		}
		for _, name := range names {
			if v := gjson.GetBytes(body, name); v.Exists() {
				out[name] = v.String()
			}
		}
		return out, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("parsing form: %w", err)
	}
	for key, values := range r.Form {
		if len(values) > 1 {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateParam, key)
		}
	}
	for _, name := range names {
		if v := r.Form.Get(name); v != "" {
			out[name] = v
		}
	}
	return out, nil
}

// ReadBody reads a JSON request body
func ReadBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("body is not valid JSON")
	}
	return body, nil
}
