package trace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/tidwall/pretty"
)

// DefaultVarName is the identifier the viewer expects the document under
const DefaultVarName = "demoTrace"

// ErrMalformedDocument is returned when a trace file has no document assignment
var ErrMalformedDocument = errors.New("malformed trace document")

// Frame is one rendered stack frame
type Frame struct {
	FrameID         int              `json:"frame_id"`
	FuncName        string           `json:"func_name"`
	EncodedLocals   map[string]Value `json:"encoded_locals"`
	OrderedVarnames []string         `json:"ordered_varnames"`
	UniqueHash      string           `json:"unique_hash"`
	IsHighlighted   bool             `json:"is_highlighted"`

	// Viewer fields the tracer never sets
	ParentFrameIDList []int `json:"parent_frame_id_list"`
	IsZombie          bool  `json:"is_zombie"`
	IsParent          bool  `json:"is_parent"`
}

// NewFrame creates a frame with a 1-based id at the given stack depth
func NewFrame(depth int, funcName string) Frame {
	return Frame{
		FrameID:           depth + 1,
		FuncName:          funcName,
		EncodedLocals:     make(map[string]Value),
		OrderedVarnames:   []string{},
		UniqueHash:        funcName + strconv.Itoa(depth),
		IsHighlighted:     depth == 0,
		ParentFrameIDList: []int{},
	}
}

// SetLocal adds a local. A shadowed name keeps its first position.
func (f *Frame) SetLocal(name string, v Value) {
	if _, ok := f.EncodedLocals[name]; !ok {
		f.OrderedVarnames = append(f.OrderedVarnames, name)
	}
	f.EncodedLocals[name] = v
}

// Step is the snapshot of one stop
type Step struct {
	OrderedGlobals []string         `json:"ordered_globals"`
	Stdout         string           `json:"stdout"`
	FuncName       string           `json:"func_name"`
	StackToRender  []Frame          `json:"stack_to_render"`
	Globals        map[string]Value `json:"globals"`
	// Heap is keyed by object address, encoded as decimal strings
	Heap  map[uint64]Value `json:"heap"`
	Line  int              `json:"line"`
	Event string           `json:"event"`
}

// Document is the complete trace of one run
type Document struct {
	Code  string `json:"code"`
	Trace []Step `json:"trace"`
}

// WriteOptions controls document serialization
type WriteOptions struct {
	// VarName is the assigned identifier, DefaultVarName when empty
	VarName string
	// Pretty indents with two spaces and sorts keys
	Pretty bool
}

func (o WriteOptions) varName() string {
	if o.VarName == "" {
		return DefaultVarName
	}
	return o.VarName
}

// Marshal encodes the document as JSON
func Marshal(doc *Document, prettyPrint bool) ([]byte, error) {
	if doc.Trace == nil {
		doc.Trace = []Step{}
	}
	data, err := marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode trace document: %w", err)
	}
	if prettyPrint {
		data = pretty.PrettyOptions(data, &pretty.Options{
			Width:    80,
			Indent:   "  ",
			SortKeys: true,
		})
		data = bytes.TrimRight(data, "\n")
	}
	return data, nil
}

// WriteDocument writes "var <name> = <json>;" followed by a newline
func WriteDocument(w io.Writer, doc *Document, opts WriteOptions) error {
	data, err := Marshal(doc, opts.Pretty)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "var %s = ", opts.varName())
	bw.Write(data)
	bw.WriteString(";\n")
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write trace document: %w", err)
	}
	return nil
}

// ReadDocument parses a file produced by WriteDocument or WriteViewer.
// Anything after the assigned JSON value is ignored.
func ReadDocument(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace document: %w", err)
	}
	eq := bytes.IndexByte(data, '=')
	if eq < 0 || !bytes.HasPrefix(bytes.TrimSpace(data[:eq]), []byte("var ")) {
		return nil, fmt.Errorf("%w: no variable assignment", ErrMalformedDocument)
	}
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data[eq+1:]))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return &doc, nil
}
