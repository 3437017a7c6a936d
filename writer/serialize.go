package writer

import (
	"strconv"

	"github.com/wudi/pdfshrink/ir/raw"
)

func appendObject(b []byte, o raw.Object) []byte {
	switch v := o.(type) {
	case raw.NameObj:
		return appendName(b, v.Val)
	case raw.NumberObj:
		if v.IsInteger() {
			return strconv.AppendInt(b, v.Int(), 10)
		}
		return appendReal(b, v.Float())
	case raw.BoolObj:
		return strconv.AppendBool(b, v.V)
	case raw.NullObj:
		return append(b, "null"...)
	case raw.StringObj:
		if v.Hex {
			return appendHexString(b, v.Bytes)
		}
		return appendLiteralString(b, v.Bytes)
	case *raw.ArrayObj:
		b = append(b, '[')
		for i, it := range v.Items {
			if i > 0 {
				b = append(b, ' ')
			}
			b = appendObject(b, it)
		}
		return append(b, ']')
	case *raw.DictObj:
		b = append(b, "<<"...)
		for _, k := range v.Keys() {
			b = appendName(b, k)
			b = append(b, ' ')
			val, _ := v.Get(k)
			b = appendObject(b, val)
		}
		return append(b, ">>"...)
	case *raw.StreamObj:
		b = appendObject(b, v.Dict)
		b = append(b, "\nstream\n"...)
		b = append(b, v.Data...)
		return append(b, "\nendstream"...)
	case raw.RefObj:
		b = strconv.AppendInt(b, int64(v.R.Num), 10)
		b = append(b, ' ')
		b = strconv.AppendInt(b, int64(v.R.Gen), 10)
		return append(b, " R"...)
	}
	return append(b, "null"...)
}

// appendReal writes a fixed-point number; PDF has no exponent syntax.
func appendReal(b []byte, f float64) []byte {
	if f == float64(int64(f)) {
		return strconv.AppendInt(b, int64(f), 10)
	}
	return strconv.AppendFloat(b, f, 'f', -1, 64)
}

func isRegularNameChar(ch byte) bool {
	if ch <= ' ' || ch >= 0x7f {
		return false
	}
	switch ch {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%', '#':
		return false
	}
	return true
}

func appendName(b []byte, name string) []byte {
	const hexDigits = "0123456789ABCDEF"
	b = append(b, '/')
	for i := 0; i < len(name); i++ {
		ch := name[i]
		if isRegularNameChar(ch) {
			b = append(b, ch)
			continue
		}
		b = append(b, '#', hexDigits[ch>>4], hexDigits[ch&0x0f])
	}
	return b
}

func appendHexString(b []byte, data []byte) []byte {
	const hexDigits = "0123456789ABCDEF"
	b = append(b, '<')
	for _, ch := range data {
		b = append(b, hexDigits[ch>>4], hexDigits[ch&0x0f])
	}
	return append(b, '>')
}

func appendLiteralString(b []byte, data []byte) []byte {
	b = append(b, '(')
	for _, ch := range data {
		switch ch {
		case '\\', '(', ')':
			b = append(b, '\\', ch)
		case '\n':
			b = append(b, `\n`...)
		case '\r':
			b = append(b, `\r`...)
		case '\t':
			b = append(b, `\t`...)
		case '\b':
			b = append(b, `\b`...)
		case '\f':
			b = append(b, `\f`...)
		default:
			if ch < 0x20 || ch >= 0x80 {
				b = append(b, '\\', '0'+(ch>>6), '0'+((ch>>3)&7), '0'+(ch&7))
			} else {
				b = append(b, ch)
			}
		}
	}
	return append(b, ')')
}
