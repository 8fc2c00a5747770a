package index

import (
	"bytes"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// safeVars are environment variables that are non-sensitive and useful for
// LLM context.
var safeVars = map[string]bool{
	"HOME": true, "USER": true, "PWD": true, "OLDPWD": true,
	"SHELL": true, "PATH": true, "LANG": true, "TERM": true,
	"EDITOR": true, "PAGER": true, "HOSTNAME": true, "LOGNAME": true,
	"TMPDIR": true, "XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true,
	"XDG_RUNTIME_DIR": true, "DISPLAY": true, "WAYLAND_DISPLAY": true,
	"COLUMNS": true, "LINES": true, "LC_ALL": true, "LC_CTYPE": true,
	"CONDA_DEFAULT_ENV": true, "VIRTUAL_ENV": true, "JUPYTER_CONFIG_DIR": true,
}

// specialParams are shell special parameters that should not be redacted.
var specialParams = map[string]bool{
	"?": true, "!": true, "#": true, "@": true, "*": true,
	"-": true, "$": true, "_": true,
	"0": true, "1": true, "2": true, "3": true, "4": true,
	"5": true, "6": true, "7": true, "8": true, "9": true,
}

// shellCellMagics are cell magics whose body is an entire shell script.
var shellCellMagics = map[string]bool{
	"%%bash": true, "%%sh": true, "%%script": true,
}

var reEnvMagic = regexp.MustCompile(`^(\s*%env\s+[A-Za-z_][A-Za-z0-9_]*)[= ](.+)$`)

// RedactCellSource strips secrets from the shell-escape portions of a code
// cell before the source leaves the process (embedding or prompt context).
// Lines starting with "!" are treated as shell commands, "%env NAME=value"
// magics have their value masked, and cells opening with a shell cell magic
// (%%bash, %%sh, %%script) are redacted as one script. Plain code lines pass
// through unchanged.
func RedactCellSource(source string) string {
	lines := strings.Split(source, "\n")
	if len(lines) > 0 {
		first := strings.Fields(strings.TrimSpace(lines[0]))
		if len(first) > 0 && shellCellMagics[first[0]] {
			body := strings.Join(lines[1:], "\n")
			return lines[0] + "\n" + RedactCommand(body)
		}
	}

	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		switch {
		case strings.HasPrefix(trimmed, "!"):
			indent := line[:len(line)-len(trimmed)]
			lines[i] = indent + "!" + RedactCommand(trimmed[1:])
		case reEnvMagic.MatchString(line):
			m := reEnvMagic.FindStringSubmatch(line)
			lines[i] = m[1] + "=***"
		}
	}
	return strings.Join(lines, "\n")
}

// RedactCommand replaces sensitive environment variable references and
// assignment values in a shell command string. Safe variables (PATH, HOME,
// etc.) and special shell parameters ($?, $!, etc.) are preserved.
func RedactCommand(cmd string) string {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(true))
	prog, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil {
		return regexRedact(cmd)
	}

	syntax.Walk(prog, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.ParamExp:
			if n.Param != nil && !safeVars[n.Param.Value] && !specialParams[n.Param.Value] {
				n.Param.Value = "REDACTED"
			}
		case *syntax.Assign:
			if n.Name != nil && !safeVars[n.Name.Value] && n.Value != nil {
				n.Value.Parts = []syntax.WordPart{&syntax.Lit{Value: "***"}}
			}
		}
		return true
	})

	var buf bytes.Buffer
	printer := syntax.NewPrinter(syntax.Indent(0))
	if err := printer.Print(&buf, prog); err != nil {
		return regexRedact(cmd)
	}
	return strings.TrimRight(buf.String(), "\n")
}

var (
	reBraceVar  = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	reSimpleVar = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
	reAssign    = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)=(\S+)`)
)

// regexRedact is a fallback for commands that fail AST parsing.
func regexRedact(cmd string) string {
	// ${VAR} → ${REDACTED}
	cmd = reBraceVar.ReplaceAllStringFunc(cmd, func(m string) string {
		name := reBraceVar.FindStringSubmatch(m)[1]
		if safeVars[name] || specialParams[name] {
			return m
		}
		return "${REDACTED}"
	})

	// $VAR → $REDACTED
	cmd = reSimpleVar.ReplaceAllStringFunc(cmd, func(m string) string {
		name := reSimpleVar.FindStringSubmatch(m)[1]
		if name == "REDACTED" { // already redacted by brace pass
			return m
		}
		if safeVars[name] || specialParams[name] {
			return m
		}
		return "$REDACTED"
	})

	// VAR=value → VAR=***
	cmd = reAssign.ReplaceAllStringFunc(cmd, func(m string) string {
		parts := reAssign.FindStringSubmatch(m)
		name := parts[1]
		if safeVars[name] {
			return m
		}
		return name + "=***"
	})

	return cmd
}
