// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package hostfunc

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/sandhost/sandhost/pkg/errutil"
)

// maxConvertDepth bounds table nesting so self-referencing tables fail
// instead of recursing forever.
const maxConvertDepth = 64

// FromLua converts a Lua value to plain Go data: nil, bool, float64,
// string, []any or map[string]any. Functions and userdata become their
// string form.
func FromLua(v lua.LValue) (any, error) {
	return luaValueToGo(v, 0)
}

func luaValueToGo(v lua.LValue, depth int) (any, error) {
	switch val := v.(type) {
	case lua.LString:
		return string(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LBool:
		return bool(val), nil
	case *lua.LTable:
		if depth >= maxConvertDepth {
			return nil, oops.In("hostfunc").Code(errutil.CodeRuntime).
				Errorf("table nesting exceeds %d levels", maxConvertDepth)
		}
		if isArray(val) {
			return luaTableToSlice(val, depth+1)
		}
		return luaTableToMap(val, depth+1)
	case *lua.LNilType:
		return nil, nil
	case nil:
		return nil, nil
	default:
		return v.String(), nil
	}
}

// isArray checks if a Lua table is a sequence with keys 1..n and nothing
// else. The empty table counts as an array.
func isArray(tbl *lua.LTable) bool {
	maxN := tbl.MaxN()
	count := 0
	tbl.ForEach(func(_, _ lua.LValue) {
		count++
	})
	return count == maxN
}

// luaTableToSlice converts a Lua array table to a Go []any slice.
func luaTableToSlice(tbl *lua.LTable, depth int) ([]any, error) {
	n := tbl.MaxN()
	result := make([]any, 0, n)
	for i := 1; i <= n; i++ {
		item, err := luaValueToGo(tbl.RawGetInt(i), depth)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, nil
}

// luaTableToMap converts a Lua table to a Go map[string]any.
func luaTableToMap(tbl *lua.LTable, depth int) (map[string]any, error) {
	result := make(map[string]any)
	var convErr error
	tbl.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		item, err := luaValueToGo(v, depth)
		if err != nil {
			convErr = err
			return
		}
		result[k.String()] = item
	})
	if convErr != nil {
		return nil, convErr
	}
	return result, nil
}

// ToLua converts Go data into a Lua value owned by L. Values that are not
// plain data are converted through their JSON encoding.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(string(val))
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return lua.LString(val.String())
		}
		return lua.LNumber(f)
	case time.Time:
		return lua.LString(val.UTC().Format(time.RFC3339Nano))
	case time.Duration:
		return lua.LNumber(val.Milliseconds())
	case []any:
		tbl := L.CreateTable(len(val), 0)
		for _, item := range val {
			tbl.Append(ToLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.CreateTable(len(val), 0)
		for _, item := range val {
			tbl.Append(lua.LString(item))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(val))
		for _, k := range sortedKeys(val) {
			tbl.RawSetString(k, ToLua(L, val[k]))
		}
		return tbl
	case map[string]string:
		tbl := L.CreateTable(0, len(val))
		for k, item := range val {
			tbl.RawSetString(k, lua.LString(item))
		}
		return tbl
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return lua.LString(fmt.Sprint(val))
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return lua.LString(string(data))
		}
		return ToLua(L, generic)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// encodeValue serializes a guest value for the KV store.
func encodeValue(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, oops.In("hostfunc").Code(errutil.CodeRuntime).Wrapf(err, "encode value")
	}
	return data, nil
}

func decodeValue(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, oops.In("hostfunc").Code(errutil.CodeRuntime).Wrapf(err, "decode stored value")
	}
	return v, nil
}
