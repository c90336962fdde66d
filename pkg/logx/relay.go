package logx

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"

	"github.com/rs/zerolog"
)

// Relay re-emits one JSON record written by NewJSON in another process.
// The record keeps its level and message; its caller and comp move to
// origin and origin_comp so they do not clash with ours. Anything that is
// not JSON is logged verbatim at debug.
func (l Logger) Relay(line []byte, fields ...Field) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var rec map[string]any
	if err := json.Unmarshal(line, &rec); err != nil {
		l.emit(zerolog.DebugLevel, false, clip(string(line), 2000), fields)
		return
	}

	level := zerolog.InfoLevel
	if s, ok := rec[zerolog.LevelFieldName].(string); ok {
		if lv, err := zerolog.ParseLevel(s); err == nil && lv != zerolog.NoLevel {
			level = lv
		}
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	delete(rec, zerolog.LevelFieldName)
	delete(rec, zerolog.MessageFieldName)
	delete(rec, zerolog.TimestampFieldName)

	all := slices.Clone(fields)
	for _, k := range slices.Sorted(maps.Keys(rec)) {
		name := k
		switch k {
		case zerolog.CallerFieldName:
			name = "origin"
		case "comp":
			name = "origin_comp"
		}
		all = append(all, Any(name, rec[k]))
	}
	l.emit(level, false, msg, all)
}
