// Package output turns a finished command's (returncode, stdout, stderr)
// into the JSON result stored on the task.
package output

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Replacement substitutes every occurrence of Old with New.
type Replacement struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// Mapping is the declarative description of how to build a result.
// A zero Mapping yields {"returncode","stdout","stderr","meta"}.
type Mapping struct {
	// ReturnCode, Stdout and Stderr rename the corresponding result fields.
	// When any of them is set only the named fields are emitted.
	ReturnCode string `json:"returncode,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`

	// StdoutJSON embeds stdout as parsed JSON instead of a string.
	StdoutJSON bool `json:"stdout_json,omitempty"`

	ReplaceText   []Replacement `json:"replace_text,omitempty"`
	ReplaceStdout []Replacement `json:"replace_stdout,omitempty"`
	ReplaceStderr []Replacement `json:"replace_stderr,omitempty"`

	CompressStdout bool `json:"compress_stdout,omitempty"`
	CompressStderr bool `json:"compress_stderr,omitempty"`
	EncodeStdout   bool `json:"encode_stdout,omitempty"`
	EncodeStderr   bool `json:"encode_stderr,omitempty"`
}

// Execution is the raw outcome reported by a worker.
type Execution struct {
	ReturnCode int
	Stdout     []byte
	Stderr     []byte
	StartedAt  time.Time
	FinishedAt time.Time
}

// Meta is attached to every result.
type Meta struct {
	ExecTime   float64   `json:"exec_time"`
	FinishTime time.Time `json:"finish_time"`
}

const metaField = "meta"

// Decode parses raw into a Mapping, rejecting unknown keys.
func Decode(raw []byte) (Mapping, error) {
	var m Mapping
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return m, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return Mapping{}, fmt.Errorf("decode output mapping: %w", err)
	}
	return m, m.Validate()
}

// IsZero reports whether m is the default mapping.
func (m Mapping) IsZero() bool {
	return m.ReturnCode == "" && m.Stdout == "" && m.Stderr == "" && !m.StdoutJSON &&
		len(m.ReplaceText) == 0 && len(m.ReplaceStdout) == 0 && len(m.ReplaceStderr) == 0 &&
		!m.CompressStdout && !m.CompressStderr && !m.EncodeStdout && !m.EncodeStderr
}

// Validate checks field names and incompatible options.
func (m Mapping) Validate() error {
	seen := map[string]string{}
	for opt, name := range map[string]string{"returncode": m.ReturnCode, "stdout": m.Stdout, "stderr": m.Stderr} {
		if name == "" {
			continue
		}
		if name == metaField {
			return fmt.Errorf("output.%s: field name %q is reserved", opt, metaField)
		}
		if other, dup := seen[name]; dup {
			return fmt.Errorf("output.%s and output.%s both map to %q", other, opt, name)
		}
		seen[name] = opt
	}
	if m.StdoutJSON && (m.CompressStdout || m.EncodeStdout) {
		return fmt.Errorf("output.stdout_json cannot be combined with compress_stdout or encode_stdout")
	}
	for _, set := range [][]Replacement{m.ReplaceText, m.ReplaceStdout, m.ReplaceStderr} {
		for _, r := range set {
			if r.Old == "" {
				return fmt.Errorf("output replacement with empty old text")
			}
		}
	}
	return nil
}

// Apply builds the task result for e.
func (m Mapping) Apply(e Execution) (json.RawMessage, error) {
	stdout := replaceAll(replaceAll(string(e.Stdout), m.ReplaceText), m.ReplaceStdout)
	stderr := replaceAll(replaceAll(string(e.Stderr), m.ReplaceText), m.ReplaceStderr)

	stdoutVal, err := m.renderStdout(stdout)
	if err != nil {
		return nil, err
	}
	stderrVal, err := render(stderr, m.CompressStderr, m.EncodeStderr)
	if err != nil {
		return nil, err
	}

	result := make(map[string]any, 4)
	if m.ReturnCode == "" && m.Stdout == "" && m.Stderr == "" {
		result["returncode"] = e.ReturnCode
		result["stdout"] = stdoutVal
		result["stderr"] = stderrVal
	} else {
		if m.ReturnCode != "" {
			result[m.ReturnCode] = e.ReturnCode
		}
		if m.Stdout != "" {
			result[m.Stdout] = stdoutVal
		}
		if m.Stderr != "" {
			result[m.Stderr] = stderrVal
		}
	}

	finished := e.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	meta := Meta{FinishTime: finished.UTC()}
	if !e.StartedAt.IsZero() {
		meta.ExecTime = finished.Sub(e.StartedAt).Seconds()
	}
	result[metaField] = meta

	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return b, nil
}

func (m Mapping) renderStdout(s string) (any, error) {
	if m.StdoutJSON {
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		var v json.RawMessage
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("stdout is not valid JSON: %w", err)
		}
		return v, nil
	}
	return render(s, m.CompressStdout, m.EncodeStdout)
}

// render returns s unchanged, or as base64 text when compressed or encoded.
func render(s string, compress, encode bool) (any, error) {
	if !compress {
		if encode {
			return base64.StdEncoding.EncodeToString([]byte(s)), nil
		}
		return s, nil
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		return nil, fmt.Errorf("compress output: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress output: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func replaceAll(s string, reps []Replacement) string {
	for _, r := range reps {
		s = strings.ReplaceAll(s, r.Old, r.New)
	}
	return s
}

// Truncate caps b at max bytes; max <= 0 disables the cap.
func Truncate(b []byte, max int) []byte {
	if max > 0 && len(b) > max {
		return b[:max]
	}
	return b
}
