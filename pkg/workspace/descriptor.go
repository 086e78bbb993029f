package workspace

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/3leaps/framefarm/pkg/frames"
)

var (
	framePathRe = regexp.MustCompile(`frame_\d+`)
	fileNameRe  = regexp.MustCompile(`(\sfileName\s*=\s*)("[^"]*"|'[^']*')`)
	xmlDeclRe   = regexp.MustCompile(`\A(?:\xEF\xBB\xBF)?\s*<\?xml[^>]*?\sencoding\s*=\s*["']([A-Za-z0-9._:-]+)["']`)
)

// inputPath is the element path, below the document root, of the records
// whose fileName is rewritten.
var inputPath = []string{"source", "input"}

// RewriteFramePath replaces every frame folder reference in path with the
// folder name of frame.
func RewriteFramePath(path string, frame int) string {
	return framePathRe.ReplaceAllLiteralString(path, frames.FolderName(frame))
}

// PatchDescriptor points every <source>/<input fileName="..."> record of the
// descriptor at path to frame, rewriting the file in place.
//
// Only the fileName attribute values of those records change; every other
// byte of the document is preserved. It returns the number of records
// rewritten.
func PatchDescriptor(path string, frame int) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	patched, n, err := PatchDescriptorBytes(data, frame)
	if err != nil {
		return 0, fmt.Errorf("patch descriptor %s: %w", path, err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := os.WriteFile(path, patched, info.Mode().Perm()); err != nil {
		return 0, err
	}
	return n, nil
}

// PatchDescriptorBytes is PatchDescriptor over an in-memory document.
//
// Documents declaring a legacy single-byte encoding such as windows-1252 are
// patched in UTF-8 and encoded back, so the declared encoding is kept.
func PatchDescriptorBytes(data []byte, frame int) ([]byte, int, error) {
	enc, err := declaredEncoding(data)
	if err != nil {
		return nil, 0, err
	}
	if enc == nil {
		return patchUTF8(data, frame)
	}

	text, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return nil, 0, fmt.Errorf("decode descriptor: %w", err)
	}
	patched, n, err := patchUTF8(text, frame)
	if err != nil || n == 0 {
		return data, n, err
	}
	out, err := enc.NewEncoder().Bytes(patched)
	if err != nil {
		return nil, 0, fmt.Errorf("encode descriptor: %w", err)
	}
	return out, n, nil
}

// declaredEncoding returns the encoding named by the XML declaration, or nil
// for UTF-8 and undeclared documents.
func declaredEncoding(data []byte) (encoding.Encoding, error) {
	m := xmlDeclRe.FindSubmatch(data)
	if m == nil {
		return nil, nil
	}
	label := string(m[1])
	if strings.EqualFold(label, "utf-8") || strings.EqualFold(label, "utf8") {
		return nil, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported descriptor encoding %q: %w", label, err)
	}
	if name, _ := htmlindex.Name(enc); name == "utf-8" {
		return nil, nil
	}
	return enc, nil
}

func patchUTF8(data []byte, frame int) ([]byte, int, error) {
	spans, err := inputTagSpans(data)
	if err != nil {
		return nil, 0, err
	}

	var (
		out  bytes.Buffer
		last int64
		n    int
	)
	out.Grow(len(data))
	for _, span := range spans {
		out.Write(data[last:span[0]])
		tag := data[span[0]:span[1]]
		out.Write(fileNameRe.ReplaceAllFunc(tag, func(attr []byte) []byte {
			n++
			return framePathRe.ReplaceAllLiteral(attr, []byte(frames.FolderName(frame)))
		}))
		last = span[1]
	}
	out.Write(data[last:])
	return out.Bytes(), n, nil
}

// inputTagSpans returns the byte ranges of every start tag at
// /<root>/source/input.
func inputTagSpans(data []byte) ([][2]int64, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	// data is already UTF-8; the declaration may still name its source
	// encoding.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	var (
		stack []string
		spans [][2]int64
	)
	for {
		start := dec.InputOffset()
		tok, err := dec.RawToken()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(stack) != 0 {
					return nil, fmt.Errorf("unexpected end of document inside <%s>", stack[len(stack)-1])
				}
				return spans, nil
			}
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
			if matchesInput(stack) {
				spans = append(spans, [2]int64{start, dec.InputOffset()})
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
}

func matchesInput(stack []string) bool {
	if len(stack) != len(inputPath)+1 {
		return false
	}
	for i, name := range inputPath {
		if stack[i+1] != name {
			return false
		}
	}
	return true
}
