package auditlog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"unicode/utf16"
)

// GenesisPrevHash is the prev_hash of the first entry.
const GenesisPrevHash = "0000"

const hexDigits = "0123456789abcdef"

// Canonical returns the bytes hashed for e: the fields
// {details, event, exam_id, id, timestamp, user} serialized with sorted
// keys, ", " and ": " separators and ASCII-only string escapes. The output
// is byte-identical to Python's json.dumps(..., sort_keys=True), so logs
// written by either implementation verify under the other.
func Canonical(e *Entry) []byte {
	var b bytes.Buffer
	b.Grow(128 + len(e.Details))

	b.WriteString(`{"details": `)
	writeString(&b, e.Details)
	b.WriteString(`, "event": `)
	writeString(&b, e.Event)
	b.WriteString(`, "exam_id": `)
	if e.ExamID == nil {
		b.WriteString("null")
	} else {
		writeString(&b, *e.ExamID)
	}
	b.WriteString(`, "id": `)
	b.WriteString(strconv.FormatInt(e.ID, 10))
	b.WriteString(`, "timestamp": `)
	writeString(&b, e.Timestamp)
	b.WriteString(`, "user": `)
	writeString(&b, e.User)
	b.WriteByte('}')

	return b.Bytes()
}

// ComputeHash returns sha256_hex(prevHash || Canonical(e)).
func ComputeHash(prevHash string, e *Entry) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(Canonical(e))
	return hex.EncodeToString(h.Sum(nil))
}

func writeString(b *bytes.Buffer, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r < 0x7f:
				b.WriteByte(byte(r))
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				writeUnicodeEscape(b, hi)
				writeUnicodeEscape(b, lo)
			default:
				writeUnicodeEscape(b, r)
			}
		}
	}
	b.WriteByte('"')
}

func writeUnicodeEscape(b *bytes.Buffer, r rune) {
	b.WriteString(`\u`)
	b.WriteByte(hexDigits[r>>12&0xf])
	b.WriteByte(hexDigits[r>>8&0xf])
	b.WriteByte(hexDigits[r>>4&0xf])
	b.WriteByte(hexDigits[r&0xf])
}
