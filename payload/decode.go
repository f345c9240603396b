// Package payload renders MQTT message payloads for display: plain text,
// pretty printed JSON or MessagePack, and a hex viewer. Payloads may be
// zlib or bzip2 compressed.
package payload

import (
	"bytes"
	"compress/bzip2"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/zlib"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/vmihailenco/msgpack/v5"
)

// Decoder selects how a payload is rendered.
type Decoder int

// Decoders. The display names are the values stored in the config file.
const (
	Plain Decoder = iota
	JSON
	Hex
	MsgPack
)

var decoderNames = [...]string{
	Plain:   "Plain data",
	JSON:    "JSON pretty formatter",
	Hex:     "Hex formatter",
	MsgPack: "MessagePack formatter",
}

var decoderKeys = [...]string{
	Plain:   "plain",
	JSON:    "json",
	Hex:     "hex",
	MsgPack: "msgpack",
}

// ErrUnknownDecoder is returned by ParseDecoder.
var ErrUnknownDecoder = errors.New("payload: unknown decoder")

// String returns the display name.
func (d Decoder) String() string {
	if d < 0 || int(d) >= len(decoderNames) {
		return fmt.Sprintf("Decoder(%d)", int(d))
	}
	return decoderNames[d]
}

// Key returns the short name used on the command line.
func (d Decoder) Key() string {
	if d < 0 || int(d) >= len(decoderKeys) {
		return ""
	}
	return decoderKeys[d]
}

// Decoders lists all decoders in display order.
func Decoders() []Decoder {
	return []Decoder{Plain, JSON, Hex, MsgPack}
}

// ParseDecoder accepts either a short key ("json") or a display name
// ("JSON pretty formatter"), case-insensitively.
func ParseDecoder(s string) (Decoder, error) {
	for _, d := range Decoders() {
		if strings.EqualFold(s, d.Key()) || strings.EqualFold(s, d.String()) {
			return d, nil
		}
	}
	return Plain, fmt.Errorf("%w: %q", ErrUnknownDecoder, s)
}

// FailedJSON prefixes the rendering of a payload that is not valid JSON.
const FailedJSON = "        *** FAILED TO LOAD JSON ***"

// maxInflated caps decompressed payloads.
const maxInflated = 16 << 20

// Decode renders data with decoder. When decompress is set, payloads longer
// than four bytes are inflated as zlib or bzip2 if possible.
func Decode(data []byte, decoder Decoder, decompress bool) string {
	if decompress && len(data) > 4 {
		data = Decompress(data)
	}

	switch decoder {
	case JSON:
		return prettyJSON(data)
	case Hex:
		return strings.Join(HexView(data, DefaultChunkSize), "\n")
	case MsgPack:
		return prettyMsgPack(data)
	default:
		return Text(data)
	}
}

// Decompress returns data inflated as zlib, then bzip2. Data that is neither
// is returned unchanged.
func Decompress(data []byte) []byte {
	if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
		out, err := io.ReadAll(io.LimitReader(zr, maxInflated))
		zr.Close()
		if err == nil {
			return out
		}
	}

	if out, err := io.ReadAll(io.LimitReader(bzip2.NewReader(bytes.NewReader(data)), maxInflated)); err == nil {
		return out
	}
	return data
}

// Text returns data as a string when it is valid UTF-8, and as 0x-prefixed
// hex otherwise.
func Text(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return fmt.Sprintf("0x%x", data)
}

func prettyJSON(data []byte) string {
	if !gjson.ValidBytes(data) {
		return failedJSON(errors.New("invalid JSON document"))
	}
	out := pretty.PrettyOptions(data, &pretty.Options{Indent: "  ", Width: 80})
	return strings.TrimRight(string(out), "\n")
}

func prettyMsgPack(data []byte) string {
	r := bytes.NewReader(data)
	var v any
	if err := msgpack.NewDecoder(r).Decode(&v); err != nil {
		return failedJSON(fmt.Errorf("msgpack: %w", err))
	}
	if r.Len() > 0 {
		return failedJSON(fmt.Errorf("msgpack: %d trailing bytes", r.Len()))
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return failedJSON(err)
	}
	return string(out)
}

func failedJSON(err error) string {
	return FailedJSON + "\n\n" + err.Error()
}

// Preview returns a single-line rendering of data truncated to limit runes.
func Preview(data []byte, limit int) string {
	s := strings.Join(strings.Fields(Text(data)), " ")
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}
