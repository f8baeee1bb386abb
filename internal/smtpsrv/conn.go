// Package smtpsrv implements the inbound SMTP session state machine: the
// command dispatch loop, SPF-gated sender validation, and the DATA
// end-of-transaction commit into storage.
package smtpsrv

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"blitiri.com.ar/go/log"

	"github.com/tochire/PigeonX/internal/addr"
	"github.com/tochire/PigeonX/internal/email"
	"github.com/tochire/PigeonX/internal/maillog"
	"github.com/tochire/PigeonX/internal/spf"
	"github.com/tochire/PigeonX/internal/storage"
)

// helpText is the exact line sent in response to HELP, listing every
// command this receiver recognizes.
const helpText = "HELO EHLO MAIL RCPT DATA RSET NOOP QUIT HELP VRFY"

// spfAllows is overridable so tests can avoid making real DNS lookups,
// mirroring the lookupTXT/lookupMX/lookupIP override idiom in internal/spf
// itself.
var spfAllows = spf.Allows

// Conn represents one accepted SMTP connection, from greeting to QUIT or
// disconnect. It is owned exclusively by the goroutine running Handle.
type Conn struct {
	// Hostname used in the greeting and HELO/EHLO reply.
	hostname string

	// Maximum size, in bytes, of a DATA payload.
	maxDataSize int64

	// Storage adapter shared process-wide; access is serialized by its own
	// mutex, not by this Conn.
	db storage.Adapter

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	// Envelope state for the transaction in progress.
	sender     string
	recipients []string
}

// NewConn creates a Conn ready to Handle the given accepted connection.
func NewConn(conn net.Conn, hostname string, maxDataSize int64, db storage.Adapter) *Conn {
	return &Conn{
		conn:        conn,
		hostname:    hostname,
		maxDataSize: maxDataSize,
		db:          db,
		reader:      bufio.NewReader(conn),
		writer:      bufio.NewWriter(conn),
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() {
	c.conn.Close()
}

// Handle runs the SMTP dialog for c until the client disconnects, issues
// QUIT, or a read fails. It never lets a panic escape: a malformed message
// anywhere in the pipeline produces a 554 and a dropped connection, not a
// crashed worker.
func (c *Conn) Handle() {
	defer c.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("smtpsrv: recovered panic handling %v: %v", c.conn.RemoteAddr(), r)
			c.writeResponse(554, "5.7.0 Message rejected due to server error")
		}
	}()

	c.printfLine("220 %s ESMTP PigeonX", c.hostname)

	for {
		line, err := c.readLine()
		if err != nil {
			if err != io.EOF {
				log.Errorf("smtpsrv: %v: read error: %v", c.conn.RemoteAddr(), err)
			}
			return
		}

		cmd, params := splitCommand(line)
		if cmd == "" {
			// A blank line gets no reply, matching the original dialog.
			continue
		}

		switch cmd {
		case "HELO":
			c.greet(params)
		case "EHLO":
			c.greet(params)
		case "MAIL":
			c.mail(params)
		case "RCPT":
			c.rcpt(params)
		case "DATA":
			c.data()
		case "RSET":
			c.reset()
			c.writeResponse(250, "OK")
		case "NOOP":
			c.writeResponse(250, "OK")
		case "VRFY":
			c.writeResponse(252, "Cannot VRFY user, but will accept message")
		case "HELP":
			c.writeResponse(214, "Commands supported:\n"+helpText)
		case "QUIT":
			c.writeResponse(221, "Bye")
			return
		default:
			c.writeResponse(502, "Command not implemented")
		}
	}
}

// splitCommand splits a command line into its verb (upper-cased) and the
// remainder of the line, the same way the original dispatcher matches on
// line prefixes.
func splitCommand(line string) (cmd, params string) {
	sp := strings.SplitN(line, " ", 2)
	cmd = strings.ToUpper(sp[0])
	if len(sp) > 1 {
		params = sp[1]
	}
	return cmd, params
}

// greet handles both HELO and EHLO; this receiver advertises the same
// capability block regardless of which one was used.
func (c *Conn) greet(params string) {
	clientName := strings.TrimSpace(params)
	if clientName == "" {
		clientName = "unknown"
	}
	msg := fmt.Sprintf("%s Hello %s\nSIZE 35882577\n8BITMIME\nPIPELINING\nHELP", c.hostname, clientName)
	c.writeResponse(250, msg)
}

// mail handles MAIL FROM, gating the sender through SPF before accepting
// it into the envelope.
func (c *Conn) mail(params string) {
	if !strings.HasPrefix(strings.ToUpper(params), "FROM:") {
		c.writeResponse(502, "Command not implemented")
		return
	}

	sender := addr.ExtractMailbox(params, "FROM:")
	domain := addr.DomainOf(sender)
	if domain == "" {
		c.writeResponse(501, "Incorrect email format")
		return
	}

	ip := remoteIP(c.conn)
	if !spfAllows(context.Background(), domain, ip) {
		maillog.Rejected(c.conn.RemoteAddr(), sender, nil, "SPF check failed")
		c.writeResponse(550, "5.7.1 Access denied: invalid sender")
		return
	}

	c.sender = sender
	c.writeResponse(250, "OK")
}

// rcpt handles RCPT TO, appending the extracted mailbox to the envelope
// recipient list.
func (c *Conn) rcpt(params string) {
	if !strings.HasPrefix(strings.ToUpper(params), "TO:") {
		c.writeResponse(502, "Command not implemented")
		return
	}

	c.recipients = append(c.recipients, addr.ExtractMailbox(params, "TO:"))
	c.writeResponse(250, "OK")
}

// reset clears the envelope state, used by both RSET and after a DATA
// transaction concludes (accepted or rejected).
func (c *Conn) reset() {
	c.sender = ""
	c.recipients = nil
}

// data handles the DATA command: reading the payload, parsing it, and
// committing it to storage in a single transaction.
func (c *Conn) data() {
	if c.sender == "" || len(c.recipients) == 0 {
		c.writeResponse(503, "Bad sequence of commands")
		return
	}

	c.writeResponse(354, "End data with <CR><LF>.<CR><LF>")

	raw, err := readUntilDot(c.reader, c.maxDataSize)
	if err != nil {
		log.Errorf("smtpsrv: %v: error reading DATA: %v", c.conn.RemoteAddr(), err)
		maillog.Rejected(c.conn.RemoteAddr(), c.sender, c.recipients, err.Error())
		c.writeResponse(451, "4.3.0 Error reading message data")
		c.reset()
		return
	}

	emailID, err := c.commit(raw)
	if err != nil {
		log.Errorf("smtpsrv: %v: transaction failed: %v", c.conn.RemoteAddr(), err)
		maillog.Rejected(c.conn.RemoteAddr(), c.sender, c.recipients, err.Error())
		c.writeResponse(554, "5.7.0 Message rejected due to server error")
	} else {
		maillog.Accepted(c.conn.RemoteAddr(), c.sender, c.recipients, emailID)
		c.writeResponse(250, "2.0.0 OK: Message accepted")
	}

	c.reset()
}

// commit parses raw and inserts the message, its recipients, and its
// attachments into storage as a single transaction, ported from the
// original's process_smtp_line DATA handling. The whole Begin...Commit span
// runs under c.db's own lock (see storage.Adapter.WithTx), so two
// connections committing concurrently against the shared adapter serialize
// instead of racing each other's Begin/Commit calls.
func (c *Conn) commit(raw []byte) (emailID int, err error) {
	ctx := context.Background()
	msg := email.Parse(raw)

	err = c.db.WithTx(ctx, func() error {
		sql := fmt.Sprintf(
			"INSERT INTO emails (sender, senderName, recipients, raw_body, subject, plain_text_body, html_body) "+
				"VALUES (%s, %s, %s, %s, %s, %s, %s) RETURNING id",
			c.db.Escape(c.sender),
			c.db.Escape(msg.SenderName),
			c.db.Escape(recipientsArrayLiteral(c.recipients)),
			c.db.Escape(string(raw)),
			c.db.Escape(msg.Subject),
			c.db.Escape(stringOr(msg.PlainTextBody)),
			c.db.Escape(stringOr(msg.HTMLBody)),
		)

		id, ierr := c.db.InsertReturningID(ctx, sql)
		if ierr != nil {
			return ierr
		}
		emailID = id

		for _, att := range msg.Attachments {
			fileID, ferr := c.db.InsertFile(ctx, att.Filename, att.ContentType, att.Content)
			if ferr != nil {
				return ferr
			}

			linkSQL := fmt.Sprintf(
				"INSERT INTO email_attachments (email_id, file_id) VALUES (%d, %d)", emailID, fileID)
			if lerr := c.db.ExecuteVoid(ctx, linkSQL); lerr != nil {
				return lerr
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return emailID, nil
}

// recipientsArrayLiteral renders recipients as a Postgres text[] literal
// body, e.g. {"a@b","c@d"}. It is escaped as a whole via DB.Escape before
// being embedded in the INSERT statement.
func recipientsArrayLiteral(recipients []string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, r := range recipients {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(strings.ReplaceAll(r, `\`, `\\`), `"`, `\"`))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

func stringOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// remoteIP extracts the connecting IP address from a net.Conn's remote
// address, or nil if it can't be determined.
func remoteIP(conn net.Conn) net.IP {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// readLine reads a single line, stripping its terminator. A line longer
// than the reader's buffer (bufio's default of 4096 bytes, not RFC 5321's
// 1000 octets) is consumed and reported as a "line too long" error.
func (c *Conn) readLine() (string, error) {
	l, more, err := c.reader.ReadLine()
	if err != nil {
		return "", err
	}
	if more {
		for more && err == nil {
			_, more, err = c.reader.ReadLine()
		}
		return "", fmt.Errorf("line too long")
	}
	return string(l), nil
}

// printfLine writes a single CRLF-terminated line directly, bypassing the
// code/message reply formatting — used only for the initial greeting.
func (c *Conn) printfLine(format string, args ...interface{}) {
	fmt.Fprintf(c.writer, format+"\r\n", args...)
	c.writer.Flush()
}

// writeResponse writes a reply, splitting multi-line messages into the
// "<code>-text" / "<code> text" SMTP continuation format.
func (c *Conn) writeResponse(code int, msg string) {
	defer c.writer.Flush()

	lines := strings.Split(msg, "\n")
	for i := 0; i < len(lines)-1; i++ {
		fmt.Fprintf(c.writer, "%d-%s\r\n", code, lines[i])
	}
	fmt.Fprintf(c.writer, "%d %s\r\n", code, lines[len(lines)-1])
}
