package event

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/craftcard/craftcard/runtime/craft/crafterr"
)

// errorFrame is the payload of the frame that ends a failed stream.
type errorFrame struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// WriteSSE writes ev as a single "data:" frame.
func WriteSSE(w io.Writer, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

// WriteDone writes the frame that ends a successful stream.
func WriteDone(w io.Writer) error {
	_, err := io.WriteString(w, "data: [DONE]\n\n")
	return err
}

// WriteError writes the frame that ends a failed stream in place of
// [DONE].
func WriteError(w io.Writer, cause error) error {
	b, err := json.Marshal(errorFrame{Error: cause.Error(), Kind: crafterr.Kind(cause)})
	if err != nil {
		return fmt.Errorf("marshal error frame: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}
