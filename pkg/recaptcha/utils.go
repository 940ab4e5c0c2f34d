package recaptcha

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

func parseResponse[T any](resp *http.Response, object *T) error {
	if resp == nil || resp.Body == nil {
		return errors.New("empty response")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s", resp.Status, body)
	}

	return json.NewDecoder(resp.Body).Decode(object)
}
