// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package hostfunc

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// RegisterGlobals installs the safe helper globals every guest gets:
// print (routed to logger), json and date.
func RegisterGlobals(L *lua.LState, logger *slog.Logger) {
	L.SetGlobal("print", L.NewFunction(printFn(logger)))

	jsonMod := L.NewTable()
	L.SetField(jsonMod, "encode", L.NewFunction(jsonEncode))
	L.SetField(jsonMod, "decode", L.NewFunction(jsonDecode))
	L.SetGlobal("json", jsonMod)

	dateMod := L.NewTable()
	L.SetField(dateMod, "now", L.NewFunction(dateNow))
	L.SetField(dateMod, "format", L.NewFunction(dateFormat))
	L.SetField(dateMod, "parse", L.NewFunction(dateParse))
	L.SetGlobal("date", dateMod)
}

func printFn(logger *slog.Logger) lua.LGFunction {
	return func(L *lua.LState) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		logger.Info(strings.Join(parts, "\t"), "source", "print")
		return 0
	}
}

func jsonEncode(L *lua.LState) int {
	v, err := FromLua(L.CheckAny(1))
	if err != nil {
		return pushError(L, err.Error())
	}
	data, err := json.Marshal(v)
	if err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, lua.LString(string(data)))
}

func jsonDecode(L *lua.LState) int {
	text := L.CheckString(1)
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return pushError(L, "invalid json: "+err.Error())
	}
	return pushSuccess(L, ToLua(L, v))
}

// dateNow returns the current time in Unix milliseconds.
func dateNow(L *lua.LState) int {
	L.Push(lua.LNumber(time.Now().UnixMilli()))
	return 1
}

// dateFormat formats Unix milliseconds with a Go layout (default RFC 3339).
func dateFormat(L *lua.LState) int {
	ms := L.OptNumber(1, lua.LNumber(time.Now().UnixMilli()))
	layout := L.OptString(2, time.RFC3339)
	L.Push(lua.LString(time.UnixMilli(int64(ms)).UTC().Format(layout)))
	return 1
}

// dateParse parses an RFC 3339 string (or a custom layout) into Unix milliseconds.
func dateParse(L *lua.LState) int {
	text := L.CheckString(1)
	layout := L.OptString(2, time.RFC3339)
	t, err := time.Parse(layout, text)
	if err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, lua.LNumber(t.UnixMilli()))
}

// utilTable builds api.util.
func utilTable(L *lua.LState, logger *slog.Logger) *lua.LTable {
	mod := L.NewTable()
	L.SetField(mod, "log", L.NewFunction(logFn(logger)))
	L.SetField(mod, "now", L.NewFunction(dateNow))
	return mod
}

// logFn backs api.util.log(level, message[, fields]).
func logFn(logger *slog.Logger) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)

		var attrs []any
		if fields, ok := L.Get(3).(*lua.LTable); ok {
			if m, err := FromLua(fields); err == nil {
				if mm, ok := m.(map[string]any); ok {
					for _, k := range sortedKeys(mm) {
						attrs = append(attrs, k, mm[k])
					}
				}
			}
		}

		var lvl slog.Level
		switch level {
		case "debug":
			lvl = slog.LevelDebug
		case "warn":
			lvl = slog.LevelWarn
		case "error":
			lvl = slog.LevelError
		default:
			lvl = slog.LevelInfo
		}
		logger.Log(hostContext(L), lvl, message, attrs...)
		return 0
	}
}
