package logger

import (
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const (
	colorReset = "\x1b[0m"
	colorBold  = "\x1b[1m"
)

// palette maps display roles to ANSI colors. Both themes fill the same
// roles, so the encoder never branches on the theme name.
type palette struct {
	timestamp string
	text      string
	id        string
	number    string
	warn      string
	warnBg    string
	err       string
	errBg     string
	component []string
}

var palettes = map[string]palette{
	// Everforest Dark: forest greens with warm accents.
	"everforest": {
		timestamp: "\x1b[38;5;107m", // mid green #83c092
		text:      "\x1b[38;5;223m", // soft beige #d3c6aa
		id:        "\x1b[38;5;109m", // blue-green #7fbbb3
		number:    "\x1b[38;5;108m", // bright green #a7c080
		warn:      "\x1b[38;5;179m", // soft yellow #dbbc7f
		warnBg:    "\x1b[48;5;58m",
		err:       "\x1b[38;5;167m", // warm red #e67e80
		errBg:     "\x1b[48;5;52m",
		component: []string{
			"\x1b[38;5;108m", // bright green
			"\x1b[38;5;65m",  // deep green
			"\x1b[38;5;208m", // autumn orange
		},
	},
	// Gruvbox Dark: warm and muted.
	"gruvbox": {
		timestamp: "\x1b[38;5;108m", // aqua #8ec07c
		text:      "\x1b[38;5;223m", // cream #ebdbb2
		id:        "\x1b[38;5;109m", // blue #83a598
		number:    "\x1b[38;5;175m", // purple #d3869b
		warn:      "\x1b[38;5;214m", // yellow #fabd2f
		warnBg:    "\x1b[48;5;58m",
		err:       "\x1b[38;5;167m", // red #fb4934
		errBg:     "\x1b[48;5;88m",
		component: []string{
			"\x1b[38;5;208m", // orange
			"\x1b[38;5;214m", // yellow
		},
	},
}

var activeTheme = "everforest"

// SetTheme switches the console color scheme. Unknown names are ignored
// so a typo in HONE_LOG_THEME falls back to the default.
func SetTheme(name string) {
	if _, ok := palettes[name]; ok {
		activeTheme = name
	}
}

func theme() palette {
	return palettes[activeTheme]
}

// componentColor picks a stable color for a logger name so each component
// keeps its hue across lines.
func (p palette) componentColor(name string) string {
	sum := 0
	for _, c := range name {
		sum += int(c)
	}
	return p.component[sum%len(p.component)]
}

// minimalEncoder is the compact console encoder:
//
//	13:04:35  p.runner  Iteration complete  run_8f2 iter 3 (0.84 avg, 0.91 best)
//
// It renders only call-site fields. Context bound with Logger.With is
// carried by the JSON encoder, not replayed here.
type minimalEncoder struct {
	zapcore.Encoder // satisfies the field-accumulation half of the interface
}

func newMinimalEncoder() *minimalEncoder {
	return &minimalEncoder{
		Encoder: zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
	}
}

func (enc *minimalEncoder) Clone() zapcore.Encoder {
	return &minimalEncoder{Encoder: enc.Encoder.Clone()}
}

func (enc *minimalEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	p := theme()
	line := buffer.NewPool().Get()

	line.AppendString(p.timestamp)
	line.AppendString(ent.Time.Format("15:04:05"))
	line.AppendString(colorReset)

	if badge := levelBadge(p, ent.Level); badge != "" {
		line.AppendString("  ")
		line.AppendString(badge)
	}

	if ent.LoggerName != "" {
		line.AppendString("  ")
		line.AppendString(p.componentColor(ent.LoggerName))
		line.AppendString(abbreviateName(ent.LoggerName))
		line.AppendString(colorReset)
	}

	line.AppendString("  ")
	line.AppendString(p.text)
	line.AppendString(ent.Message)
	line.AppendString(colorReset)

	if rendered := renderFields(p, fields); rendered != "" {
		line.AppendString("  ")
		line.AppendString(rendered)
	}

	line.AppendString("\n")
	return line, nil
}

// levelBadge returns a bold colored marker for warnings and worse.
// Info and debug lines carry no badge.
func levelBadge(p palette, level zapcore.Level) string {
	switch level {
	case zapcore.WarnLevel:
		return colorBold + p.warnBg + p.warn + "WARN" + colorReset
	case zapcore.ErrorLevel:
		return colorBold + p.errBg + p.err + "ERROR" + colorReset
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return colorBold + p.errBg + p.err + level.CapitalString() + colorReset
	default:
		return ""
	}
}

// abbreviateName shortens dotted logger names for display:
// "pipeline.runner" becomes "p.runner", plain names pass through.
func abbreviateName(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return name
	}
	return string(parts[0][0]) + "." + strings.Join(parts[1:], ".")
}

// renderFields formats structured fields for the console. The keys from
// this package's Field constants get compact shapes, such as score pairs
// rendered as "(0.84 avg, 0.91 best)" and row progress as "(3/10 rows)".
// Everything else stays a plain key=value pair so no field is dropped.
func renderFields(p palette, fields []zapcore.Field) string {
	var parts []string
	var rest []string
	var avg, best, completed, total string

	for _, f := range fields {
		switch f.Key {
		case FieldRunID, FieldClientID:
			if v := fieldText(f); v != "" {
				parts = append(parts, p.id+v+colorReset)
			}
		case FieldIteration:
			if v := fieldText(f); v != "" {
				parts = append(parts, p.number+"iter "+v+colorReset)
			}
		case FieldDurationMS:
			if v := fieldText(f); v != "" {
				parts = append(parts, p.number+v+colorReset+"ms")
			}
		case FieldAvgScore:
			avg = fieldText(f)
		case FieldBestScore:
			best = fieldText(f)
		case FieldCompleted:
			completed = fieldText(f)
		case FieldTotal:
			total = fieldText(f)
		default:
			if f.Type == zapcore.SkipType {
				continue
			}
			v := fieldText(f)
			if v == "" && f.Type == zapcore.ErrorType {
				continue
			}
			rest = append(rest, p.text+f.Key+"="+v+colorReset)
		}
	}

	switch {
	case avg != "" && best != "":
		parts = append(parts, p.text+"("+p.number+avg+colorReset+p.text+" avg, "+p.number+best+colorReset+p.text+" best)"+colorReset)
	case avg != "":
		parts = append(parts, p.number+avg+colorReset+" avg")
	case best != "":
		parts = append(parts, p.number+best+colorReset+" best")
	}

	switch {
	case completed != "" && total != "":
		parts = append(parts, p.text+"("+p.number+completed+colorReset+p.text+"/"+p.number+total+colorReset+p.text+" rows)"+colorReset)
	default:
		if completed != "" {
			rest = append(rest, p.text+"completed="+completed+colorReset)
		}
		if total != "" {
			rest = append(rest, p.text+"total="+total+colorReset)
		}
	}

	parts = append(parts, rest...)
	return strings.Join(parts, " ")
}

// fieldText flattens a zap field to its display string.
func fieldText(f zapcore.Field) string {
	switch f.Type {
	case zapcore.StringType:
		return f.String
	case zapcore.BoolType:
		if f.Integer == 1 {
			return "true"
		}
		return "false"
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type:
		return fmt.Sprintf("%d", f.Integer)
	case zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type,
		zapcore.Uint8Type, zapcore.UintptrType:
		return fmt.Sprintf("%d", uint64(f.Integer))
	case zapcore.Float64Type:
		return fmt.Sprintf("%v", math.Float64frombits(uint64(f.Integer)))
	case zapcore.Float32Type:
		return fmt.Sprintf("%v", math.Float32frombits(uint32(f.Integer)))
	case zapcore.DurationType:
		return time.Duration(f.Integer).String()
	case zapcore.TimeType:
		return time.Unix(0, f.Integer).Format(time.RFC3339)
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok && err != nil {
			return err.Error()
		}
		return ""
	case zapcore.ByteStringType:
		if b, ok := f.Interface.([]byte); ok {
			return string(b)
		}
		return ""
	}
	if f.Interface != nil {
		return fmt.Sprintf("%v", f.Interface)
	}
	return f.String
}
