package terminal

import "unicode/utf8"

const maxLineLen = 4096

type escState int

const (
	escNone escState = iota
	escStart
	escCSI
	escOSC
	escSS3
)

// lineBuffer reassembles command lines from raw keystrokes. It applies
// backspace, drops escape sequences (arrow keys and the like) and treats
// ^C and ^U as discarding the line. It only approximates what the shell's
// line editor sees.
type lineBuffer struct {
	buf    []byte
	state  escState
	lastCR bool
}

// Feed consumes keystrokes and returns every line completed by CR, LF or
// CRLF, without the terminator.
func (l *lineBuffer) Feed(data []byte) []string {
	var lines []string
	for _, b := range data {
		switch l.state {
		case escStart:
			switch b {
			case '[':
				l.state = escCSI
			case ']':
				l.state = escOSC
			case 'O':
				l.state = escSS3
			default:
				l.state = escNone
			}
			continue
		case escCSI:
			if b >= 0x40 && b <= 0x7e {
				l.state = escNone
			}
			continue
		case escSS3:
			l.state = escNone
			continue
		case escOSC:
			if b == 0x07 {
				l.state = escNone
			} else if b == 0x1b {
				l.state = escStart
			}
			continue
		}

		if b == '\n' && l.lastCR {
			l.lastCR = false
			continue
		}
		l.lastCR = b == '\r'

		switch {
		case b == '\r' || b == '\n':
			lines = append(lines, string(l.buf))
			l.buf = l.buf[:0]
		case b == 0x1b:
			l.state = escStart
		case b == 0x7f || b == 0x08:
			if len(l.buf) > 0 {
				_, size := utf8.DecodeLastRune(l.buf)
				l.buf = l.buf[:len(l.buf)-size]
			}
		case b == 0x03 || b == 0x15:
			l.buf = l.buf[:0]
		case b < 0x20:
		default:
			if len(l.buf) < maxLineLen {
				l.buf = append(l.buf, b)
			}
		}
	}
	return lines
}

func (l *lineBuffer) Reset() {
	l.buf = l.buf[:0]
	l.state = escNone
	l.lastCR = false
}
