// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/edgeo-scada/mqttk/browser"
	"github.com/edgeo-scada/mqttk/payload"
	"github.com/edgeo-scada/mqttk/topictree"
)

// OutputFormat represents the output format type.
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatCSV   OutputFormat = "csv"
	FormatRaw   OutputFormat = "raw"
)

// Terminal styles.
var (
	styleBold    = lipgloss.NewStyle().Bold(true)
	styleKey     = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleQoS     = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleRetain  = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Strikethrough(true)
	styleWarning = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// render applies style unless colours are disabled.
func render(style lipgloss.Style, text string) string {
	if noColor {
		return text
	}
	return style.Render(text)
}

// colourBlock is a marker drawn in a subscription colour.
func colourBlock(hex string) string {
	if noColor || hex == "" {
		return "|"
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(hex)).Render("▌")
}

// MessageOutput is a monitored message in json output.
type MessageOutput struct {
	ID           int       `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Topic        string    `json:"topic"`
	Payload      string    `json:"payload"`
	QoS          int       `json:"qos"`
	Retained     bool      `json:"retained"`
	Subscription string    `json:"subscription"`
}

// Formatter prints monitored messages.
type Formatter struct {
	format     OutputFormat
	decoder    payload.Decoder
	decompress bool
	writer     io.Writer
	csvWriter  *csv.Writer
	first      bool
}

// NewFormatter creates a new formatter.
func NewFormatter(w io.Writer, format string, decoder payload.Decoder, decompress bool) *Formatter {
	f := &Formatter{
		format:     OutputFormat(format),
		decoder:    decoder,
		decompress: decompress,
		writer:     w,
		first:      true,
	}
	if f.format == FormatCSV {
		f.csvWriter = csv.NewWriter(w)
	}
	return f
}

// FormatRecord formats and prints a record. colour is the colour of the
// subscription the record arrived on.
func (f *Formatter) FormatRecord(r browser.Record, colour string) {
	switch f.format {
	case FormatJSON:
		f.formatJSON(r)
	case FormatCSV:
		f.formatCSV(r)
	case FormatRaw:
		fmt.Fprintln(f.writer, string(r.Payload))
	default:
		f.formatTable(r, colour)
	}
}

func (f *Formatter) decode(r browser.Record) string {
	return payload.Decode(r.Payload, f.decoder, f.decompress)
}

func (f *Formatter) formatTable(r browser.Record, colour string) {
	retained := " "
	if r.Retained {
		retained = render(styleRetain, "R")
	}
	fmt.Fprintf(f.writer, "%s %s #%05d %s %s - %s\n",
		colourBlock(colour),
		render(styleDim, r.Timestamp.Format("15:04:05.000")),
		r.ID,
		render(styleQoS, fmt.Sprintf("[QoS:%d]", r.QoS)),
		"["+retained+"]",
		render(styleKey, r.Topic))

	body := f.decode(r)
	if !verbose && f.decoder != payload.Hex {
		body = truncate(body, 200)
	}
	for _, line := range strings.Split(body, "\n") {
		fmt.Fprintf(f.writer, "%s   %s\n", colourBlock(colour), line)
	}
}

func (f *Formatter) formatJSON(r browser.Record) {
	data, _ := json.Marshal(MessageOutput{
		ID:           r.ID,
		Timestamp:    r.Timestamp,
		Topic:        r.Topic,
		Payload:      f.decode(r),
		QoS:          r.QoS,
		Retained:     r.Retained,
		Subscription: r.SubscriptionPattern,
	})
	fmt.Fprintln(f.writer, string(data))
}

func (f *Formatter) formatCSV(r browser.Record) {
	if f.first {
		f.csvWriter.Write([]string{"id", "timestamp", "topic", "payload", "qos", "retained", "subscription"})
		f.first = false
	}
	f.csvWriter.Write([]string{
		strconv.Itoa(r.ID),
		r.Timestamp.Format(time.RFC3339Nano),
		r.Topic,
		f.decode(r),
		strconv.Itoa(r.QoS),
		strconv.FormatBool(r.Retained),
		r.SubscriptionPattern,
	})
	f.csvWriter.Flush()
}

// TopicRow is one node of a topic tree in json and csv output.
type TopicRow struct {
	Topic    string     `json:"topic"`
	Depth    int        `json:"depth"`
	Messages int64      `json:"messages"`
	Children int        `json:"children"`
	QoS      *int       `json:"qos,omitempty"`
	Retained bool       `json:"retained,omitempty"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
	Payload  string     `json:"payload,omitempty"`
}

func topicRows(entries iter.Seq[topictree.Entry]) []TopicRow {
	var rows []TopicRow
	for e := range entries {
		row := TopicRow{Topic: e.Path, Depth: e.Depth, Messages: e.Count, Children: e.Children}
		if v := e.Value; v != nil {
			qos := int(v.QoS)
			seen := v.LastSeen
			row.QoS = &qos
			row.Retained = v.Retained
			row.LastSeen = &seen
			row.Payload = payload.Text(v.Payload)
		}
		rows = append(rows, row)
	}
	return rows
}

// printTopics writes a tree snapshot in the selected output format.
func printTopics(w io.Writer, entries iter.Seq[topictree.Entry], width int) {
	switch OutputFormat(outputFormat) {
	case FormatJSON:
		rows := topicRows(entries)
		if rows == nil {
			rows = []TopicRow{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(rows)
	case FormatCSV:
		cw := csv.NewWriter(w)
		cw.Write([]string{"topic", "messages", "children", "qos", "retained", "payload"})
		for _, r := range topicRows(entries) {
			qos := ""
			if r.QoS != nil {
				qos = strconv.Itoa(*r.QoS)
			}
			cw.Write([]string{r.Topic, strconv.FormatInt(r.Messages, 10), strconv.Itoa(r.Children), qos, strconv.FormatBool(r.Retained), r.Payload})
		}
		cw.Flush()
	case FormatRaw:
		for e := range entries {
			if e.Value != nil {
				fmt.Fprintln(w, e.Path)
			}
		}
	default:
		for _, line := range treeLines(entries, width, time.Now()) {
			fmt.Fprintln(w, line)
		}
	}
}

// treeLines renders a tree snapshot as indented lines no wider than width.
// A width of zero disables truncation.
func treeLines(entries iter.Seq[topictree.Entry], width int, now time.Time) []string {
	var lines []string
	for e := range entries {
		indent := strings.Repeat("  ", e.Depth)
		name := e.Segment
		if name == "" {
			name = "(empty)"
		}

		var sb strings.Builder
		sb.WriteString(indent)
		if e.IsLeaf() {
			sb.WriteString("  ")
		} else {
			sb.WriteString(render(styleDim, "▾ "))
		}
		sb.WriteString(render(styleKey, name))

		plain := len(indent) + 2 + len(name)
		if v := e.Value; v != nil {
			meta := fmt.Sprintf(" [Q%d]", v.QoS)
			if v.Retained {
				meta += " [R]"
			}
			age := " (" + formatAge(now.Sub(v.LastSeen)) + ")"
			value := " = " + payload.Preview(v.Payload, 80)

			plain += len(meta) + len(age)
			if room := width - plain; width > 0 && room < 4 {
				value = ""
			} else if width > 0 {
				value = truncate(value, room)
			}
			sb.WriteString(render(styleQoS, meta))
			sb.WriteString(render(styleDim, age))
			sb.WriteString(value)
		}
		lines = append(lines, sb.String())
	}
	return lines
}

// formatAge formats how long ago something happened, at second resolution.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

// TableWriter writes formatted tables.
type TableWriter struct {
	headers []string
	rows    [][]string
	widths  []int
}

// NewTableWriter creates a new table writer.
func NewTableWriter(headers ...string) *TableWriter {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &TableWriter{
		headers: headers,
		widths:  widths,
	}
}

// AddRow adds a row to the table.
func (t *TableWriter) AddRow(values ...string) {
	for i, v := range values {
		if i < len(t.widths) && lipgloss.Width(v) > t.widths[i] {
			t.widths[i] = lipgloss.Width(v)
		}
	}
	t.rows = append(t.rows, values)
}

// Render renders the table to w.
func (t *TableWriter) Render(w io.Writer) {
	for i, h := range t.headers {
		fmt.Fprint(w, pad(render(styleBold, h), t.widths[i])+"  ")
	}
	fmt.Fprintln(w)

	for i := range t.headers {
		fmt.Fprint(w, strings.Repeat("-", t.widths[i])+"  ")
	}
	fmt.Fprintln(w)

	for _, row := range t.rows {
		for i, v := range row {
			if i < len(t.widths) {
				fmt.Fprint(w, pad(v, t.widths[i])+"  ")
			}
		}
		fmt.Fprintln(w)
	}
}

// pad right-pads s to width visible cells.
func pad(s string, width int) string {
	if n := lipgloss.Width(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

// PrintKeyValue prints a key-value pair formatted nicely.
func PrintKeyValue(w io.Writer, key, value string) {
	fmt.Fprintf(w, "  %s %s\n", pad(render(styleKey, key+":"), 20), value)
}

// PrintSection prints a section header.
func PrintSection(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s\n", render(styleBold, title))
	fmt.Fprintln(w, strings.Repeat("-", len(title)))
}
