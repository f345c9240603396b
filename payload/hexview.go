package payload

import (
	"fmt"
	"strings"
)

// DefaultChunkSize is the number of bytes per hex viewer row.
const DefaultChunkSize = 16

const (
	firstPrintable = 33
	lastPrintable  = 126
)

// HexView renders data as an address / hex / ASCII dump. Bytes are grouped
// in fours; characters outside '!'..'~' show as '.'.
func HexView(data []byte, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	header := make([]byte, chunkSize)
	for i := range header {
		header[i] = byte(i)
	}

	lines := []string{
		fmt.Sprintf("ADDRESS        %-53s       ASCII", hexGroups(header)),
		"",
	}
	for off := 0; off < len(data); off += chunkSize {
		chunk := data[off:min(off+chunkSize, len(data))]
		lines = append(lines, fmt.Sprintf("%08x       %-53s       %s", off, hexGroups(chunk), asciiColumn(chunk)))
	}
	return lines
}

func hexGroups(chunk []byte) string {
	var groups []string
	for i := 0; i < len(chunk); i += 4 {
		group := chunk[i:min(i+4, len(chunk))]
		hex := make([]string, len(group))
		for j, b := range group {
			hex[j] = fmt.Sprintf("%02x", b)
		}
		groups = append(groups, strings.Join(hex, " "))
	}
	return strings.Join(groups, "   ")
}

func asciiColumn(chunk []byte) string {
	var sb strings.Builder
	for _, b := range chunk {
		if b >= firstPrintable && b <= lastPrintable {
			sb.WriteByte(b)
		} else {
			sb.WriteByte('.')
		}
	}
	return sb.String()
}
