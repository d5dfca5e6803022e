package permission

import (
	"path"
	"regexp"
	"strings"
)

// Pattern is a class of destructive shell command.
type Pattern struct {
	Name        string
	Description string
	match       func(command string) bool
}

func regexPattern(name, desc string, res ...*regexp.Regexp) Pattern {
	return Pattern{Name: name, Description: desc, match: func(cmd string) bool {
		for _, re := range res {
			if re.MatchString(cmd) {
				return true
			}
		}
		return false
	}}
}

var (
	blockDeviceRes = []*regexp.Regexp{
		regexp.MustCompile(`>>?\s*/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk)`),
		regexp.MustCompile(`\btee\s+(?:-\S+\s+)*/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk)`),
	}

	formatRes = []*regexp.Regexp{
		regexp.MustCompile(`(?:^|[\s;&|(])(?:mkfs(?:\.[a-z0-9]+)?|mke2fs|mkswap|newfs(?:_[a-z]+)?)(?:\s|$)`),
		regexp.MustCompile(`\bdiskutil\s+(?:erase\w*|zeroDisk|secureErase|partitionDisk)\b`),
	}

	ddRe = regexp.MustCompile(`\bdd\b[^;&|]*\bof=/dev/`)

	chmodSegmentRe = regexp.MustCompile(`\bchmod\s[^;&|]*`)
	chmodRecursive = regexp.MustCompile(`(?:^|\s)(?:-[a-zA-Z]*R[a-zA-Z]*|--recursive)(?:\s|$)`)
	chmodOpenMode  = regexp.MustCompile(`(?:^|\s)(?:0?777|a\+rwx|ugo\+rwx|a=rwx)(?:\s|$)`)

	forkBombRe     = regexp.MustCompile(`:\s*\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)
	shellFuncRe    = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*\(\)\s*\{([^}]*)\}`)
	pipeToShellRes = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:curl|wget)\b[^;&|]*\|\s*(?:sudo\s+(?:-\S+\s+)*)?(?:ba|z|da|k)?sh\b`),
		regexp.MustCompile(`\b(?:ba|z|da|k)?sh\s+(?:-c\s+)?["']?\$\(\s*(?:curl|wget)\b`),
		regexp.MustCompile(`\b(?:ba|z|da|k)?sh\s+<\(\s*(?:curl|wget)\b`),
	}
)

// dangerousPatterns is checked in order; the first match wins.
var dangerousPatterns = []Pattern{
	{
		Name:        "recursive_delete_root",
		Description: "recursive delete of the root or home directory",
		match:       matchRecursiveDelete,
	},
	regexPattern("block_device_write", "raw write to a block device", blockDeviceRes...),
	regexPattern("format_filesystem", "filesystem formatting command", formatRes...),
	regexPattern("dd_device", "dd writing to a device", ddRe),
	{
		Name:        "recursive_chmod",
		Description: "recursively world-writable chmod",
		match:       matchRecursiveChmod,
	},
	{
		Name:        "fork_bomb",
		Description: "shell fork bomb",
		match:       matchForkBomb,
	},
	regexPattern("pipe_to_shell", "download piped to a shell", pipeToShellRes...),
}

// Patterns returns the destructive command patterns in evaluation order.
func Patterns() []Pattern {
	return append([]Pattern(nil), dangerousPatterns...)
}

// MatchDangerous reports the first destructive pattern command matches.
func MatchDangerous(command string) (Pattern, bool) {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return Pattern{}, false
	}
	for _, p := range dangerousPatterns {
		if p.match(cmd) {
			return p, true
		}
	}
	return Pattern{}, false
}

// matchRecursiveDelete finds any rm invocation, including one nested in a
// quoted argument such as `go test -exec 'rm -rf /'`, that recursively
// deletes the root or home directory through any of its operands.
func matchRecursiveDelete(cmd string) bool {
	tokens := shellTokens(cmd)
	for i, tok := range tokens {
		if path.Base(strings.TrimPrefix(tok, "\\")) != "rm" {
			continue
		}
		recursive, rootTarget := false, false
		endOfFlags := false
		for _, arg := range tokens[i+1:] {
			if arg == commandBreak {
				break
			}
			switch {
			case !endOfFlags && arg == "--":
				endOfFlags = true
			case !endOfFlags && arg == "--recursive":
				recursive = true
			case !endOfFlags && strings.HasPrefix(arg, "--"):
			case !endOfFlags && len(arg) > 1 && arg[0] == '-':
				if strings.ContainsAny(arg, "rR") {
					recursive = true
				}
			default:
				if isRootOrHome(arg) {
					rootTarget = true
				}
			}
		}
		if recursive && rootTarget {
			return true
		}
	}
	return false
}

// commandBreak stands in for any shell operator that ends a simple command.
const commandBreak = ";"

// shellTokens splits cmd on whitespace and shell operators. Quote characters
// are dropped rather than honored, so quoted words and commands nested inside
// quotes are both seen as plain tokens.
func shellTokens(cmd string) []string {
	var (
		tokens []string
		cur    strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range cmd {
		switch r {
		case '"', '\'', '`':
			// Backticks delimit a nested command.
			if r == '`' {
				flush()
				tokens = append(tokens, commandBreak)
			}
		case ' ', '\t', '\n', '\r':
			flush()
		case ';', '&', '|', '(', ')':
			flush()
			tokens = append(tokens, commandBreak)
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// isRootOrHome reports whether an rm operand names /, the home directory, or
// everything directly inside either.
func isRootOrHome(arg string) bool {
	arg = strings.ReplaceAll(arg, "${HOME}", "$HOME")
	for _, home := range []string{"~", "$HOME"} {
		if arg == home || strings.HasPrefix(arg, home+"/") {
			return isRootPath("/" + strings.TrimPrefix(arg, home))
		}
	}
	return strings.HasPrefix(arg, "/") && isRootPath(arg)
}

func isRootPath(p string) bool {
	return path.Clean(strings.TrimSuffix(p, "*")) == "/"
}

func matchRecursiveChmod(cmd string) bool {
	for _, seg := range chmodSegmentRe.FindAllString(cmd, -1) {
		if chmodRecursive.MatchString(seg) && chmodOpenMode.MatchString(seg) {
			return true
		}
	}
	return false
}

// matchForkBomb finds the classic form and any function that pipes itself
// into a backgrounded copy of itself.
func matchForkBomb(cmd string) bool {
	if forkBombRe.MatchString(cmd) {
		return true
	}
	compact := strings.Join(strings.Fields(cmd), "")
	for _, m := range shellFuncRe.FindAllStringSubmatch(cmd, -1) {
		name, body := m[1], strings.Join(strings.Fields(m[2]), "")
		if strings.Contains(body, name+"|"+name+"&") && strings.Contains(compact, "};"+name) {
			return true
		}
	}
	return false
}
