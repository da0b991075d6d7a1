package authapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

const maxResponseBytes = 64 << 10

func encodeJSON(v any) (*bytes.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b), nil
}

func decodeJSON(r io.Reader, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r, maxResponseBytes))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

// readErrorEnvelope extracts {"error":{"code","message"}} when present.
func readErrorEnvelope(r io.Reader) apiError {
	var env errorResponse
	if err := decodeJSON(r, &env); err != nil {
		return apiError{}
	}
	return env.Error
}
