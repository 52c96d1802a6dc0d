package executor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Words that the shell resolves itself; LookPath must not be asked about them.
// /bin/sh is often bash or dash, so their common extensions are listed too.
var shellWords = map[string]struct{}{
	"!": {}, ".": {}, ":": {}, "[": {}, "{": {}, "alias": {}, "bg": {}, "break": {},
	"case": {}, "cd": {}, "command": {}, "continue": {}, "echo": {}, "eval": {},
	"exec": {}, "exit": {}, "export": {}, "false": {}, "fg": {}, "for": {},
	"getopts": {}, "hash": {}, "if": {}, "jobs": {}, "kill": {}, "local": {},
	"printf": {}, "pwd": {}, "read": {}, "readonly": {}, "return": {}, "set": {},
	"shift": {}, "source": {}, "test": {}, "time": {}, "times": {}, "trap": {},
	"true": {}, "type": {}, "ulimit": {}, "umask": {}, "unalias": {}, "unset": {},
	"until": {}, "wait": {}, "while": {},
	"declare": {}, "typeset": {}, "let": {}, "shopt": {}, "select": {}, "function": {},
	"builtin": {}, "enable": {}, "caller": {}, "coproc": {}, "mapfile": {}, "readarray": {},
	"pushd": {}, "popd": {}, "dirs": {}, "disown": {}, "suspend": {}, "logout": {},
}

// posixShells are the shells whose builtins shellWords covers. Commands for
// any other shell are not checked up front.
var posixShells = map[string]struct{}{"sh": {}, "dash": {}, "ash": {}}

// preflight checks that the program named by the first word of command can be
// started when run by shell. Only plain words are checked; anything the shell
// would expand, assignments, and builtins are left to the shell.
func preflight(shell, command, dir string) (code int, err error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ExitNotFound, errors.New("empty command")
	}
	if _, ok := posixShells[filepath.Base(shell)]; !ok {
		return 0, nil
	}
	word := fields[0]
	if strings.ContainsAny(word, "$`()<>|;&*?[]{}'\"\\=~#") {
		return 0, nil
	}
	if _, ok := shellWords[word]; ok {
		return 0, nil
	}

	if !strings.Contains(word, "/") {
		if _, err := exec.LookPath(word); err != nil {
			return ExitNotFound, fmt.Errorf("%s: command not found", word)
		}
		return 0, nil
	}

	path := word
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ExitNotFound, fmt.Errorf("%s: no such file or directory", word)
	case err != nil:
		return ExitNotExecutable, fmt.Errorf("%s: %v", word, err)
	case fi.IsDir():
		return ExitNotExecutable, fmt.Errorf("%s: is a directory", word)
	case fi.Mode().Perm()&0o111 == 0:
		return ExitNotExecutable, fmt.Errorf("%s: permission denied", word)
	}
	return 0, nil
}
