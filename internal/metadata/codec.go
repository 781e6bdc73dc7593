package metadata

import (
	"bytes"
	"encoding/binary"
	"fmt"

	nerrors "github.com/standardbeagle/nit/internal/errors"
)

// Wasm binary framing constants.
const (
	headerLen       = 8 // magic + version/layer word
	customSectionID = 0
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d} // "\0asm"

// section is one decoded section frame. start/end delimit the whole frame
// (id byte through payload) inside the original module bytes.
type section struct {
	id         byte
	start, end int
	payload    []byte
}

// Read extracts the contract from a module's reserved custom section.
// A module without the section, with more than one, or with an unparsable
// payload yields a MetadataError.
func Read(module []byte) (Contract, error) {
	payload, err := findSectionPayload(module)
	if err != nil {
		return Contract{}, nerrors.NewMetadataError("", err)
	}
	c, err := ParseContract(payload)
	if err != nil {
		return Contract{}, nerrors.NewMetadataError("", err)
	}
	return c, nil
}

// Write returns a copy of the module with the contract embedded. An existing
// reserved section is replaced in place; otherwise a new section is appended.
// Bytes of every other section are preserved verbatim, and writing the same
// contract twice produces byte-identical output.
func Write(module []byte, c Contract) ([]byte, error) {
	payload, err := c.Encode()
	if err != nil {
		return nil, err
	}
	frame := encodeCustomSection(SectionName, payload)

	sections, err := scan(module)
	if err != nil {
		return nil, err
	}

	for _, s := range sections {
		if s.id != customSectionID {
			continue
		}
		if name, _, ok := splitCustomPayload(s.payload); ok && name == SectionName {
			out := make([]byte, 0, len(module)-(s.end-s.start)+len(frame))
			out = append(out, module[:s.start]...)
			out = append(out, frame...)
			out = append(out, module[s.end:]...)
			return out, nil
		}
	}

	out := make([]byte, 0, len(module)+len(frame))
	out = append(out, module...)
	out = append(out, frame...)
	return out, nil
}

// findSectionPayload locates the reserved section's contract payload.
func findSectionPayload(module []byte) ([]byte, error) {
	sections, err := scan(module)
	if err != nil {
		return nil, err
	}

	var found []byte
	seen := false
	for _, s := range sections {
		if s.id != customSectionID {
			continue
		}
		name, rest, ok := splitCustomPayload(s.payload)
		if !ok || name != SectionName {
			continue
		}
		if seen {
			return nil, fmt.Errorf("module carries more than one %s section", SectionName)
		}
		seen = true
		found = rest
	}
	if !seen {
		return nil, fmt.Errorf("module has no %s section", SectionName)
	}
	return found, nil
}

// scan decodes the module's section frames without touching their contents.
func scan(module []byte) ([]section, error) {
	if len(module) < headerLen || !bytes.Equal(module[:4], wasmMagic) {
		return nil, fmt.Errorf("not a WebAssembly module")
	}

	var sections []section
	off := headerLen
	for off < len(module) {
		start := off
		id := module[off]
		off++

		size, n := binary.Uvarint(module[off:])
		if n <= 0 {
			return nil, fmt.Errorf("malformed section size at offset %d", off)
		}
		off += n

		end := off + int(size)
		if end > len(module) || end < off {
			return nil, fmt.Errorf("section at offset %d overruns module", start)
		}

		sections = append(sections, section{
			id:      id,
			start:   start,
			end:     end,
			payload: module[off:end],
		})
		off = end
	}
	return sections, nil
}

// splitCustomPayload splits a custom section payload into its
// length-prefixed name and the remaining bytes.
func splitCustomPayload(payload []byte) (name string, rest []byte, ok bool) {
	nameLen, n := binary.Uvarint(payload)
	if n <= 0 {
		return "", nil, false
	}
	nameEnd := n + int(nameLen)
	if nameEnd > len(payload) || nameEnd < n {
		return "", nil, false
	}
	return string(payload[n:nameEnd]), payload[nameEnd:], true
}

// encodeCustomSection builds a complete custom-section frame:
// id byte, LEB128 content size, LEB128 name length, name, payload.
func encodeCustomSection(name string, payload []byte) []byte {
	var nameLen [binary.MaxVarintLen32]byte
	nl := binary.PutUvarint(nameLen[:], uint64(len(name)))

	contentLen := nl + len(name) + len(payload)
	var sizeBuf [binary.MaxVarintLen32]byte
	sl := binary.PutUvarint(sizeBuf[:], uint64(contentLen))

	frame := make([]byte, 0, 1+sl+contentLen)
	frame = append(frame, customSectionID)
	frame = append(frame, sizeBuf[:sl]...)
	frame = append(frame, nameLen[:nl]...)
	frame = append(frame, name...)
	frame = append(frame, payload...)
	return frame
}
