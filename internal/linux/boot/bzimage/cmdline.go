package bzimage

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
)

// memSuffixShift maps a mem= unit suffix to the left shift applied to the
// parsed value.
var memSuffixShift = map[byte]uint{
	'k': 10, 'K': 10,
	'm': 20, 'M': 20,
	'g': 30, 'G': 30,
}

var vidModeNames = map[string]uint16{
	"normal": VidModeNormal,
	"ext":    VidModeExt,
	"ask":    VidModeAsk,
}

// parseUint parses an unsigned integer prefix of s the way C strtoul does:
// leading blanks and a sign are accepted, base 0 detects 0x and 0 prefixes,
// and values that overflow saturate. It returns the value and the unparsed
// remainder. When no digits are found the value is 0 and rest is s.
func parseUint(s string, base int) (v uint64, rest string) {
	i := 0
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	neg := false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}

	hasHexPrefix := i+1 < len(s) && s[i] == '0' && (s[i+1] == 'x' || s[i+1] == 'X') &&
		i+2 < len(s) && digitValue(s[i+2]) < 16
	switch {
	case (base == 0 || base == 16) && hasHexPrefix:
		base = 16
		i += 2
	case base == 0 && i < len(s) && s[i] == '0':
		base = 8
	case base == 0:
		base = 10
	}

	start := i
	overflow := false
	for ; i < len(s); i++ {
		d := digitValue(s[i])
		if d >= base {
			break
		}
		if v > (math.MaxUint64-uint64(d))/uint64(base) {
			overflow = true
		}
		v = v*uint64(base) + uint64(d)
	}
	if i == start {
		return 0, s
	}
	if overflow {
		return math.MaxUint64, s[i:]
	}
	if neg {
		v = -v
	}
	return v, s[i:]
}

func digitValue(c byte) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'a' <= c && c <= 'z':
		return int(c-'a') + 10
	case 'A' <= c && c <= 'Z':
		return int(c-'A') + 10
	}
	return math.MaxInt
}

func isSpace(c byte) bool {
	return c == ' ' || ('\t' <= c && c <= '\r')
}

// terminatorOK reports whether rest ends a parameter value cleanly.
func terminatorOK(rest string) bool {
	return rest == "" || rest[0] == ' ' || rest[0] == 0
}

// parseCmdline picks the vga= and mem= loader parameters out of cmdline.
// Malformed values are logged and parsing carries on with what was read.
func parseCmdline(log *slog.Logger, name string, cmdline string, ec *execContext) {
	if _, vga, ok := strings.Cut(cmdline, "vga="); ok {
		token, _, _ := strings.Cut(vga, " ")
		if mode, ok := vidModeNames[token]; ok {
			ec.vidMode = mode
		} else {
			v, rest := parseUint(vga, 16)
			ec.vidMode = uint16(v)
			if !terminatorOK(rest) {
				log.Warn("strange vga= terminator", "image", name, "terminator", fmt.Sprintf("%q", rest[0]))
			}
		}
	}

	if _, mem, ok := strings.Cut(cmdline, "mem="); ok {
		v, rest := parseUint(mem, 0)
		ec.memLimit = v
		if !terminatorOK(rest) {
			if shift, ok := memSuffixShift[rest[0]]; ok {
				ec.memLimit = v << shift
			} else {
				log.Warn("strange mem= terminator", "image", name, "terminator", fmt.Sprintf("%q", rest[0]))
			}
		}
	}
}

// setCmdline copies cmdline into the real-mode command line area. The copy
// is truncated to the reserved size and always NUL terminated.
func (l *Loader) setCmdline(name string, ec *execContext, cmdline string) error {
	n := min(len(cmdline), cmdlineSize-1)
	buf := make([]byte, n+1)
	copy(buf, cmdline[:n])
	if _, err := l.Memory.WriteAt(buf, ec.rmBase.Add(ec.rmCmdline).Offset()); err != nil {
		return fmt.Errorf("write command line: %w", err)
	}
	l.logger().Debug("bzImage command line", "image", name, "cmdline", string(buf[:n]))
	return nil
}
