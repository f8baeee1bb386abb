// Package email implements the MIME parsing pipeline used to turn a raw
// DATA payload into a structured message: header folding and RFC 2047
// decoding, recursive multipart splitting, and permissive base64 /
// quoted-printable content decoding.
//
// Parse is total: malformed input produces a best-effort Message, never an
// error. The wire format this receives is not under our control, so the
// parser favors "extract what we can" over strict validation.
package email

import (
	"strconv"
	"strings"
)

// maxDepth bounds multipart recursion so a maliciously (or accidentally)
// self-referential boundary can't recurse forever.
const maxDepth = 20

// Attachment is a single non-text body part.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message is the parsed form of a raw email, produced by Parse.
type Message struct {
	From       string
	SenderName string
	To         string
	Cc         string
	Subject    string
	Date       string
	MessageID  string

	PlainTextBody *string
	HTMLBody      *string
	Attachments   []Attachment
}

// Parse decodes raw into a Message. It never fails: a message with no
// recognizable structure comes back with only the headers it could find.
func Parse(raw []byte) *Message {
	working := normalizeNewlines(string(raw))

	headerBlock, bodyBlock := splitHeadersBody(working)
	hdrs := parseHeaders(headerBlock)

	msg := &Message{
		From:      hdrs["from"],
		To:        hdrs["to"],
		Cc:        hdrs["cc"],
		Subject:   hdrs["subject"],
		Date:      hdrs["date"],
		MessageID: hdrs["message-id"],
	}
	msg.SenderName = extractSenderName(msg.From)

	parseEntity(hdrs, bodyBlock, 0, msg)
	return msg
}

func normalizeNewlines(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\r' {
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			b.WriteByte('\n')
		} else {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// splitHeadersBody splits raw on the first blank line. If there is none,
// everything is treated as headers.
func splitHeadersBody(raw string) (headers, body string) {
	pos := strings.Index(raw, "\n\n")
	if pos < 0 {
		return raw, ""
	}
	headers = raw[:pos]
	body = raw[pos+2:]
	if len(headers) > 0 && (headers[0] == '\n' || headers[0] == '\r') {
		headers = strings.TrimSpace(headers)
	}
	return headers, body
}

// parseHeaders turns a header block into a lower-cased key/value map,
// joining folded continuation lines and decoding RFC 2047 encoded words in
// values. Malformed lines (no colon, not a continuation) are ignored.
func parseHeaders(block string) map[string]string {
	hdrs := map[string]string{}
	var lastKey string

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if lastKey != "" {
				hdrs[lastKey] += " " + strings.TrimSpace(line)
			}
			continue
		}

		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			lastKey = ""
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])
		hdrs[key] = decodeHeaderValue(value)
		lastKey = key
	}
	return hdrs
}

// decodeHeaderValue replaces RFC 2047 encoded words ("=?charset?enc?text?=")
// with their decoded text, leaving the rest of the value untouched.
func decodeHeaderValue(value string) string {
	pos := strings.Index(value, "=?")
	if pos < 0 {
		return value
	}

	var result strings.Builder
	result.WriteString(value[:pos])
	start := 0

	for pos >= 0 {
		charsetEnd := strings.IndexByte(value[pos+2:], '?')
		if charsetEnd < 0 {
			result.WriteString(value[pos:])
			break
		}
		charsetEnd += pos + 2

		encEnd := strings.IndexByte(value[charsetEnd+1:], '?')
		if encEnd < 0 {
			result.WriteString(value[pos:])
			break
		}
		encEnd += charsetEnd + 1

		endMarker := strings.Index(value[encEnd+1:], "?=")
		if endMarker < 0 {
			result.WriteString(value[pos:])
			break
		}
		endMarker += encEnd + 1

		encoding := value[charsetEnd+1 : encEnd]
		encodedText := value[encEnd+1 : endMarker]

		switch strings.ToLower(encoding) {
		case "b":
			result.Write(decodeBase64(encodedText))
		case "q":
			decoded := decodeQuotedPrintable(encodedText)
			decoded = []byte(strings.ReplaceAll(string(decoded), "_", " "))
			result.Write(decoded)
		default:
			result.WriteString(encodedText)
		}

		start = endMarker + 2
		pos = strings.Index(value[start:], "=?")
		if pos >= 0 {
			pos += start
			result.WriteString(value[start:pos])
		} else {
			result.WriteString(value[start:])
		}
	}

	return result.String()
}

// extractParameter pulls a `name=value` parameter out of a header value,
// handling quoted values (with backslash-escaping) and bare tokens
// terminated by ';', space, or tab.
func extractParameter(headerValue, paramName string) string {
	lc := strings.ToLower(headerValue)
	key := strings.ToLower(paramName) + "="

	pos := strings.Index(lc, key)
	if pos < 0 {
		return ""
	}
	pos += len(key)

	for pos < len(headerValue) && isSpace(headerValue[pos]) {
		pos++
	}
	if pos >= len(headerValue) {
		return ""
	}

	var quote byte
	if headerValue[pos] == '"' || headerValue[pos] == '\'' {
		quote = headerValue[pos]
		pos++
	}

	var result strings.Builder
	for pos < len(headerValue) {
		c := headerValue[pos]
		if quote != 0 {
			if c == quote {
				break
			}
		} else if c == ';' || c == ' ' || c == '\t' {
			break
		}

		if c == '\\' && pos+1 < len(headerValue) {
			result.WriteByte(headerValue[pos+1])
			pos += 2
			continue
		}

		result.WriteByte(c)
		pos++
	}
	return result.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

// b64val maps a base64 alphabet character to its 6-bit value, or 255 if c
// is not part of the alphabet.
func b64val(c byte) byte {
	switch {
	case 'A' <= c && c <= 'Z':
		return c - 'A'
	case 'a' <= c && c <= 'z':
		return c - 'a' + 26
	case '0' <= c && c <= '9':
		return c - '0' + 52
	case c == '+':
		return 62
	case c == '/':
		return 63
	}
	return 255
}

// decodeBase64 is a permissive decoder: padding, whitespace, and any
// character outside the base64 alphabet are silently skipped rather than
// treated as errors.
func decodeBase64(in string) []byte {
	out := make([]byte, 0, len(in)*3/4)
	val, valb := 0, -8
	for i := 0; i < len(in); i++ {
		c := in[i]
		if c == '=' || c == '\r' || c == '\n' || c == ' ' || c == '\t' {
			continue
		}
		v := b64val(c)
		if v == 255 {
			continue
		}
		val = (val << 6) + int(v)
		valb += 6
		if valb >= 0 {
			out = append(out, byte((val>>uint(valb))&0xFF))
			valb -= 8
		}
	}
	return out
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// decodeQuotedPrintable decodes '=' escapes, including soft line breaks
// ("=\n", after newline normalization stands in for "=\r\n").
func decodeQuotedPrintable(in string) []byte {
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		c := in[i]
		if c != '=' {
			out = append(out, c)
			continue
		}
		if i+1 < len(in) && in[i+1] == '\n' {
			i++
			continue
		}
		if i+2 < len(in) && isHex(in[i+1]) && isHex(in[i+2]) {
			n, err := strconv.ParseUint(in[i+1:i+3], 16, 8)
			if err == nil {
				out = append(out, byte(n))
				i += 2
				continue
			}
		}
		out = append(out, '=')
	}
	return out
}

// decodeContent applies the Content-Transfer-Encoding named by encoding;
// unknown encodings (7bit, 8bit, binary, or anything unrecognized) pass the
// data through unchanged.
func decodeContent(data, encoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return decodeBase64(data)
	case "quoted-printable":
		return decodeQuotedPrintable(data)
	default:
		return []byte(data)
	}
}

// splitMultipart returns the parts found between boundary delimiters,
// excluding the preamble before the first boundary and any epilogue after
// the closing boundary.
func splitMultipart(body, boundary string) []string {
	if boundary == "" {
		return nil
	}

	boundaryLine := "--" + boundary
	endBoundaryLine := boundaryLine + "--"

	boundaryPos := strings.Index(body, boundaryLine)
	if boundaryPos < 0 {
		return nil
	}
	pos := boundaryPos + len(boundaryLine)
	pos = skipCRLF(body, pos)

	var parts []string
	for {
		endPos := indexFrom(body, endBoundaryLine, pos)
		nextPos := indexFrom(body, boundaryLine, pos)

		var effective int
		switch {
		case endPos >= 0 && nextPos >= 0:
			effective = min(endPos, nextPos)
		case endPos >= 0:
			effective = endPos
		default:
			effective = nextPos
		}
		if effective < 0 {
			break
		}

		part := body[pos:effective]
		end := len(part)
		for end > 0 && (part[end-1] == '\r' || part[end-1] == '\n') {
			end--
		}
		parts = append(parts, part[:end])

		if effective == endPos {
			break
		}
		pos = effective + len(boundaryLine)
		pos = skipCRLF(body, pos)
	}

	return parts
}

func indexFrom(s, sub string, from int) int {
	if from > len(s) {
		return -1
	}
	i := strings.Index(s[from:], sub)
	if i < 0 {
		return -1
	}
	return i + from
}

func skipCRLF(s string, pos int) int {
	if pos < len(s) && s[pos] == '\r' {
		pos++
	}
	if pos < len(s) && s[pos] == '\n' {
		pos++
	}
	return pos
}

// parseEntity parses one MIME entity (possibly multipart) and accumulates
// plain text, HTML, and attachment parts into msg. It mirrors the
// original's recursive-with-accumulator shape rather than returning a tree,
// since the spec only ever needs the flattened first-match/append result.
func parseEntity(headers map[string]string, body string, depth int, msg *Message) {
	if depth > maxDepth {
		return
	}

	ctype := strings.ToLower(strings.TrimSpace(headers["content-type"]))
	if ctype == "" {
		ctype = "text/plain"
	}

	if strings.Contains(ctype, "multipart/") {
		boundary := extractParameter(headers["content-type"], "boundary")
		if boundary == "" {
			decoded := string(decodeContent(body, headerOr(headers, "content-transfer-encoding", "7bit")))
			if msg.PlainTextBody == nil {
				msg.PlainTextBody = &decoded
			}
			return
		}
		if len(boundary) >= 2 && boundary[0] == '"' && boundary[len(boundary)-1] == '"' {
			boundary = boundary[1 : len(boundary)-1]
		}

		for _, part := range splitMultipart(body, boundary) {
			ph, pb := splitHeadersBody(part)
			ph = strings.TrimSpace(ph)
			if ph == "" {
				continue
			}
			parseEntity(parseHeaders(ph), pb, depth+1, msg)
		}
		return
	}

	s := 0
	for s < len(body) && (body[s] == '\r' || body[s] == '\n') {
		s++
	}
	e := len(body)
	for e > s && (body[e-1] == '\r' || body[e-1] == '\n') {
		e--
	}
	partBody := body[s:e]

	cte := headerOr(headers, "content-transfer-encoding", "7bit")
	decoded := decodeContent(partBody, cte)

	switch {
	case strings.Contains(ctype, "text/plain"):
		if msg.PlainTextBody == nil {
			s := string(decoded)
			msg.PlainTextBody = &s
		}
	case strings.Contains(ctype, "text/html"):
		if msg.HTMLBody == nil {
			s := string(decoded)
			msg.HTMLBody = &s
		}
	default:
		mediaType := ctype
		if semi := strings.IndexByte(mediaType, ';'); semi >= 0 {
			mediaType = strings.TrimSpace(mediaType[:semi])
		}
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    attachmentFilename(headers, ctype),
			ContentType: mediaType,
			Content:     decoded,
		})
	}
}

func headerOr(headers map[string]string, key, fallback string) string {
	if v, ok := headers[key]; ok {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return fallback
}

// attachmentFilename resolves a name for a non-text body part: the
// Content-Disposition filename parameter, then the Content-Type name
// parameter, then a generated "attachment.<subtype>" fallback.
func attachmentFilename(headers map[string]string, ctype string) string {
	if disp, ok := headers["content-disposition"]; ok {
		if name := extractParameter(disp, "filename"); name != "" {
			return name
		}
	}
	if name := extractParameter(ctype, "name"); name != "" {
		return name
	}

	name := "attachment"
	if slash := strings.IndexByte(ctype, '/'); slash >= 0 {
		subtype := ctype[slash+1:]
		if semi := strings.IndexByte(subtype, ';'); semi >= 0 {
			subtype = subtype[:semi]
		}
		name += "." + subtype
	}
	return name
}

// extractSenderName returns the display name from a From header of the
// form "Name <addr>", "" if the header is a bare address (no '<' but an
// '@'), and the whole header if it has neither '<' nor '@'.
func extractSenderName(from string) string {
	lt := strings.IndexByte(from, '<')
	if lt < 0 {
		if strings.Contains(from, "@") {
			return ""
		}
		return from
	}
	return strings.TrimSpace(from[:lt])
}
