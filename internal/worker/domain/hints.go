package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Recognised hint keys
const (
	HintResolution         = "resolution"
	HintForce              = "force"
	HintPriority           = "priority"
	HintTimeoutSeconds     = "timeout_seconds"
	HintPageTimeoutSeconds = "page_timeout_seconds"
	HintOutputFormat       = "output_format"
	HintMaxTokens          = "max_tokens"
	HintPromptMode         = "prompt_mode"
	HintNoRetry            = "no_retry"
	HintExpectedSize       = "expected_size"
	HintChecksum           = "checksum"
)

// Hints is the typed view of the open hints map. Keys outside the recognised
// set land in Unrecognized and are carried through republishes untouched.
type Hints struct {
	Resolution         int
	Force              bool
	Priority           Priority
	TimeoutSeconds     int
	PageTimeoutSeconds int
	OutputFormat       string
	MaxTokens          int
	PromptMode         string
	NoRetry            bool
	ExpectedSize       int64
	Checksum           string

	Unrecognized map[string]json.RawMessage
}

// Timeout returns the job deadline hint, zero when unset
func (h Hints) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// PageTimeout returns the per-page deadline hint, zero when unset
func (h Hints) PageTimeout() time.Duration {
	return time.Duration(h.PageTimeoutSeconds) * time.Second
}

// UnrecognizedKeys lists passthrough keys in stable order for logging
func (h Hints) UnrecognizedKeys() []string {
	keys := make([]string, 0, len(h.Unrecognized))
	for k := range h.Unrecognized {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (h Hints) clone() Hints {
	c := h
	if h.Unrecognized != nil {
		c.Unrecognized = make(map[string]json.RawMessage, len(h.Unrecognized))
		for k, v := range h.Unrecognized {
			c.Unrecognized[k] = append(json.RawMessage(nil), v...)
		}
	}
	return c
}

// UnmarshalJSON accepts values as JSON scalars or their string spellings
func (h *Hints) UnmarshalJSON(data []byte) error {
	*h = Hints{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: hints must be an object: %v", ErrInvalidHint, err)
	}

	var err error
	for key, value := range raw {
		switch key {
		case HintResolution:
			h.Resolution, err = hintInt(key, value)
		case HintForce:
			h.Force, err = hintBool(key, value)
		case HintPriority:
			var s string
			s, err = hintString(key, value)
			h.Priority = Priority(strings.ToLower(s))
		case HintTimeoutSeconds:
			h.TimeoutSeconds, err = hintInt(key, value)
		case HintPageTimeoutSeconds:
			h.PageTimeoutSeconds, err = hintInt(key, value)
		case HintOutputFormat:
			var s string
			s, err = hintString(key, value)
			h.OutputFormat = strings.ToLower(s)
		case HintMaxTokens:
			h.MaxTokens, err = hintInt(key, value)
		case HintPromptMode:
			var s string
			s, err = hintString(key, value)
			h.PromptMode = strings.ToLower(s)
		case HintNoRetry:
			h.NoRetry, err = hintBool(key, value)
		case HintExpectedSize:
			var n int
			n, err = hintInt(key, value)
			h.ExpectedSize = int64(n)
		case HintChecksum:
			h.Checksum, err = hintString(key, value)
		default:
			if h.Unrecognized == nil {
				h.Unrecognized = make(map[string]json.RawMessage)
			}
			h.Unrecognized[key] = value
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON emits set fields plus the passthrough bucket
func (h Hints) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(h.Unrecognized)+8)
	for k, v := range h.Unrecognized {
		out[k] = v
	}
	if h.Resolution != 0 {
		out[HintResolution] = h.Resolution
	}
	if h.Force {
		out[HintForce] = true
	}
	if h.Priority != "" {
		out[HintPriority] = h.Priority
	}
	if h.TimeoutSeconds != 0 {
		out[HintTimeoutSeconds] = h.TimeoutSeconds
	}
	if h.PageTimeoutSeconds != 0 {
		out[HintPageTimeoutSeconds] = h.PageTimeoutSeconds
	}
	if h.OutputFormat != "" {
		out[HintOutputFormat] = h.OutputFormat
	}
	if h.MaxTokens != 0 {
		out[HintMaxTokens] = h.MaxTokens
	}
	if h.PromptMode != "" {
		out[HintPromptMode] = h.PromptMode
	}
	if h.NoRetry {
		out[HintNoRetry] = true
	}
	if h.ExpectedSize != 0 {
		out[HintExpectedSize] = h.ExpectedSize
	}
	if h.Checksum != "" {
		out[HintChecksum] = h.Checksum
	}
	return json.Marshal(out)
}

func hintString(key string, value json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidHint, key)
	}
	return strings.TrimSpace(s), nil
}

func hintInt(key string, value json.RawMessage) (int, error) {
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidHint, key, err)
	}

	switch t := v.(type) {
	case json.Number:
		n = t
	case string:
		n = json.Number(strings.TrimSpace(t))
	default:
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidHint, key)
	}

	i, err := strconv.Atoi(n.String())
	if err != nil || i < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer, got %q", ErrInvalidHint, key, n.String())
	}
	return i, nil
}

func hintBool(key string, value json.RawMessage) (bool, error) {
	var v any
	if err := json.Unmarshal(value, &v); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrInvalidHint, key, err)
	}

	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no", "":
			return false, nil
		}
	case float64:
		return t != 0, nil
	}
	return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidHint, key)
}
