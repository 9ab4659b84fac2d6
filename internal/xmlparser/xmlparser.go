// Package xmlparser streams a gzip-compressed Discogs dump file and
// emits one DataMessage per target element, without ever materializing
// more than one record at a time.
package xmlparser

import (
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/discogsography/extractor/internal/xmlmap"
	"github.com/discogsography/extractor/internal/xtypes"
)

// errReceiverClosed signals that out was closed by its receiver; Parse
// treats it as early, successful termination rather than a parse error.
var errReceiverClosed = errors.New("xmlparser: receiver closed")

// DefaultChannelCapacity is the bounded size the pipeline uses for each
// file's record channel (the out channel passed to ParseFile).
const DefaultChannelCapacity = 5000

// ParseFile opens, decompresses, and streams path, sending one
// DataMessage per target element into out. It returns once the file
// is fully consumed, the context is cancelled, or out is closed by the
// receiver (in which case it returns nil — early termination without
// error).
//
// Parse errors at any offset are fatal to the file and are returned
// verbatim; a caller must not retry the same file within a run.
func ParseFile(ctx context.Context, path string, dt xtypes.DataType, out chan<- xtypes.DataMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening gzip stream for %s: %w", path, err)
	}
	defer gz.Close()

	return Parse(ctx, gz, dt, out)
}

// Parse decodes XML from r, the decompressed form of a dump file. It
// is split out from ParseFile so tests can feed an in-memory reader
// directly.
func Parse(ctx context.Context, r io.Reader, dt xtypes.DataType, out chan<- xtypes.DataMessage) error {
	decoder := xml.NewDecoder(r)
	target := dt.RecordElement()

	depth := 0
	var stack []*xmlmap.Node
	var names []string

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tok, err := decoder.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parsing %s dump at byte offset %d: %w", dt, decoder.InputOffset(), err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			inTarget := len(stack) > 0
			if depth == 2 && t.Name.Local != target {
				// Outside a target element at document depth 2: ignore
				// entirely, including its subtree, by not pushing a
				// node for it; depth tracking still follows it via
				// EndElement below.
				stack = append(stack, nil)
				names = append(names, t.Name.Local)
				continue
			}

			node := xmlmap.NewNode()
			for _, a := range t.Attr {
				node.AddAttr(a.Name.Local, a.Value)
			}
			if inTarget || depth == 2 {
				stack = append(stack, node)
				names = append(names, t.Name.Local)
			}

		case xml.EndElement:
			if depth == 2 {
				if stack[len(stack)-1] != nil {
					root := stack[len(stack)-1]
					if err := emit(ctx, dt, root, out); err != nil {
						if errors.Is(err, errReceiverClosed) {
							return nil
						}
						return err
					}
				}
				stack = stack[:len(stack)-1]
				names = names[:len(names)-1]
			} else if len(stack) > 0 {
				finished := stack[len(stack)-1]
				name := names[len(names)-1]
				stack = stack[:len(stack)-1]
				names = names[:len(names)-1]
				if finished != nil && len(stack) > 0 && stack[len(stack)-1] != nil {
					stack[len(stack)-1].AddChild(name, finished)
				}
			}
			depth--

		case xml.CharData:
			if len(stack) > 0 && stack[len(stack)-1] != nil {
				stack[len(stack)-1].AddText(string(t))
			}
		}
	}
}

// emit converts a finished target-element Node into a DataMessage and
// sends it to out, returning errReceiverClosed if out was closed by its
// receiver — Parse treats that as early, successful termination.
func emit(ctx context.Context, dt xtypes.DataType, node *xmlmap.Node, out chan<- xtypes.DataMessage) (err error) {
	rec, ok := node.ToRecord().(xtypes.Record)
	if !ok {
		// A target element with no attributes and no children reduces
		// to a bare string; wrap it so the payload shape stays uniform.
		rec = xtypes.Record{"#text": node.ToRecord()}
	}

	id := xmlmap.ExtractID(dt, rec)
	hash := xmlmap.Hash(rec)

	msg := xtypes.DataMessage{
		DataType: dt,
		ID:       id,
		SHA256:   hash,
		Payload:  rec,
	}

	defer func() {
		if r := recover(); r != nil {
			// out was closed concurrently by the receiver; this is the
			// spec's early-termination path, not an ordinary error.
			err = errReceiverClosed
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- msg:
		return nil
	}
}
