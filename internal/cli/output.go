package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// OutputFormatter renders command results as text or JSON.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Response is the JSON envelope of every result.
type Response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

// Result prints data. In text mode text is called to render it.
func (f *OutputFormatter) Result(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

// Line prints one text line, or a JSON event object in JSON mode.
func (f *OutputFormatter) Line(event any, format string, args ...any) {
	if f.Format == "json" {
		_ = json.NewEncoder(f.Writer).Encode(event)
		return
	}
	fmt.Fprintf(f.Writer, format+"\n", args...)
}
