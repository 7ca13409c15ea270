package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// decodeJSON decodes model output into v. Output that fails to decode as-is
// gets one pass through jsonrepair before it is rejected.
func decodeJSON(raw string, v any) error {
	s := stripFence(strings.TrimSpace(raw))
	if s == "" {
		return errors.New("empty output")
	}
	err := strictUnmarshal(s, v)
	if err == nil {
		return nil
	}
	repaired, rerr := jsonrepair.JSONRepair(s)
	if rerr != nil {
		return fmt.Errorf("decode: %v; repair: %v", err, rerr)
	}
	if err := strictUnmarshal(repaired, v); err != nil {
		return fmt.Errorf("decode repaired output: %v", err)
	}
	return nil
}

// strictUnmarshal requires exactly one JSON object.
func strictUnmarshal(s string, v any) error {
	if !strings.HasPrefix(s, "{") {
		return errors.New("output is not a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON object")
	}
	return nil
}

// stripFence removes a surrounding ```json fence.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// repairArguments normalizes tool call arguments to valid JSON.
func repairArguments(args string) (string, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return "{}", nil
	}
	if json.Valid([]byte(args)) {
		return args, nil
	}
	fixed, err := jsonrepair.JSONRepair(args)
	if err != nil {
		return "", err
	}
	if !json.Valid([]byte(fixed)) {
		return "", errors.New("repaired arguments are still invalid")
	}
	return fixed, nil
}
