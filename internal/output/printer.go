package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/agis/calmgr/internal/contract"
)

type Mode string

const (
	ModeAuto  Mode = "auto"
	ModeJSON  Mode = "json"
	ModeJSONL Mode = "jsonl"
	ModePlain Mode = "plain"
)

type Printer struct {
	Mode          Mode
	Command       string
	Fields        []string
	Quiet         bool
	NoColor       bool
	SchemaVersion string
	Out           io.Writer
	Err           io.Writer
	// Now anchors relative times in plain output; time.Now when nil.
	Now func() time.Time
}

// EffectiveSuccessMode resolves ModeAuto: JSON when stdout is not a terminal.
func (p Printer) EffectiveSuccessMode() Mode {
	if p.Mode != ModeAuto && p.Mode != "" {
		return p.Mode
	}
	if f, ok := p.out().(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			return ModePlain
		}
		return ModeJSON
	}
	return ModePlain
}

func (p Printer) Success(data any, meta map[string]any, warnings []string) error {
	out := p.out()
	switch p.EffectiveSuccessMode() {
	case ModeJSON:
		if meta == nil {
			meta = map[string]any{}
		}
		if warnings == nil {
			warnings = []string{}
		}
		env := contract.SuccessEnvelope{
			SchemaVersion: p.schemaVersion(),
			Command:       p.Command,
			GeneratedAt:   time.Now().UTC(),
			Data:          data,
			Meta:          meta,
			Warnings:      warnings,
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(env)
	case ModeJSONL:
		v := reflect.ValueOf(data)
		if v.IsValid() && v.Kind() == reflect.Slice {
			enc := json.NewEncoder(out)
			for i := 0; i < v.Len(); i++ {
				if err := enc.Encode(v.Index(i).Interface()); err != nil {
					return err
				}
			}
			return nil
		}
		return json.NewEncoder(out).Encode(data)
	default:
		for _, w := range warnings {
			_, _ = fmt.Fprintf(p.errOut(), "warning: %s\n", w)
		}
		return p.printPlain(data)
	}
}

func (p Printer) Error(code contract.ErrorCode, message, hint string) error {
	return p.ErrorWithMeta(code, message, hint, nil)
}

// ErrorWithMeta is Error with diagnostic metadata attached to the JSON
// envelope. Plain output ignores meta.
func (p Printer) ErrorWithMeta(code contract.ErrorCode, message, hint string, meta map[string]any) error {
	errOut := p.errOut()
	if p.Mode == ModeJSON || p.Mode == ModeJSONL {
		env := contract.ErrorEnvelope{
			SchemaVersion: p.schemaVersion(),
			Error:         contract.ErrorBody{Code: code, Message: message, Hint: hint},
			Meta:          meta,
		}
		enc := json.NewEncoder(errOut)
		enc.SetIndent("", "  ")
		return enc.Encode(env)
	}
	label := p.paint(color.New(color.FgRed, color.Bold), "error:")
	if hint != "" {
		_, _ = fmt.Fprintf(errOut, "%s %s\nhint: %s\n", label, message, hint)
		return nil
	}
	_, _ = fmt.Fprintf(errOut, "%s %s\n", label, message)
	return nil
}

func (p Printer) out() io.Writer {
	if p.Out != nil {
		return p.Out
	}
	return os.Stdout
}

func (p Printer) errOut() io.Writer {
	if p.Err != nil {
		return p.Err
	}
	return os.Stderr
}

func (p Printer) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p Printer) schemaVersion() string {
	if p.SchemaVersion == "" {
		return contract.SchemaVersion
	}
	return p.SchemaVersion
}

func (p Printer) paint(c *color.Color, s string) string {
	if p.NoColor {
		return s
	}
	c.EnableColor()
	return c.Sprint(s)
}

func (p Printer) printPlain(data any) error {
	out := p.out()
	v := reflect.ValueOf(data)
	if v.IsValid() && v.Kind() == reflect.Pointer && !v.IsNil() {
		v = v.Elem()
	}
	if !v.IsValid() || (v.Kind() == reflect.Slice && v.Len() == 0) {
		if !p.Quiet {
			_, _ = fmt.Fprintln(out, "no results")
		}
		return nil
	}
	if v.Kind() == reflect.Slice {
		for i := 0; i < v.Len(); i++ {
			if _, err := fmt.Fprintln(out, p.line(v.Index(i).Interface())); err != nil {
				return err
			}
		}
		return nil
	}
	_, err := fmt.Fprintln(out, p.line(v.Interface()))
	return err
}

func (p Printer) line(v any) string {
	if len(p.Fields) > 0 {
		return flatten(v, p.Fields)
	}
	switch x := v.(type) {
	case contract.Event:
		return p.eventLine(x)
	case contract.Calendar:
		return p.calendarLine(x)
	case contract.Source:
		return fmt.Sprintf("%s\t%s\t%s", x.ID, x.Title, x.Kind)
	default:
		return flatten(v, nil)
	}
}

func (p Printer) eventLine(e contract.Event) string {
	when := e.Start.Format("Mon Jan 2 15:04")
	if e.AllDay {
		when = e.Start.Format("Mon Jan 2") + " all-day"
	}
	parts := []string{e.ID, when, e.Title}
	if e.CalendarTitle != "" {
		parts = append(parts, "["+p.calendarTitle(e.CalendarTitle, "")+"]")
	}
	if e.Location != "" {
		parts = append(parts, "@ "+e.Location)
	}
	parts = append(parts, "("+humanize.RelTime(e.Start, p.now(), "ago", "from now")+")")
	return strings.Join(parts, "\t")
}

func (p Printer) calendarLine(c contract.Calendar) string {
	flags := []string{string(c.SourceKind)}
	if c.Default {
		flags = append(flags, "default")
	}
	if !c.Writable {
		flags = append(flags, "read-only")
	}
	return fmt.Sprintf("%s\t%s\t%s", c.ID, p.calendarTitle(c.Title, c.Color), strings.Join(flags, ","))
}

// calendarTitle renders title in the calendar's own colour when known.
func (p Printer) calendarTitle(title, hex string) string {
	if p.NoColor || hex == "" {
		return title
	}
	c, err := colorful.Hex(hex)
	if err != nil {
		return title
	}
	r, g, b := c.RGB255()
	return p.paint(color.RGB(int(r), int(g), int(b)), title)
}

func flatten(v any, fields []string) string {
	if len(fields) == 0 {
		b, _ := json.Marshal(v)
		return string(b)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		b, _ := json.Marshal(v)
		return string(b)
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		fv := rv.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, strings.ReplaceAll(f, "_", "")) || strings.EqualFold(name, f)
		})
		if !fv.IsValid() {
			parts = append(parts, "")
			continue
		}
		parts = append(parts, fmt.Sprint(fv.Interface()))
	}
	return strings.Join(parts, "\t")
}
