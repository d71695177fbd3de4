package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gestor.app/internal/auth"
)

// HashPasswordCmd hashes a password for seeding the users table. The
// password is read from stdin when not given as an argument.
type HashPasswordCmd struct {
	Password string `arg:"" optional:"" help:"plaintext password; read from stdin when omitted"`

	in  io.Reader
	out io.Writer
}

func (c *HashPasswordCmd) Run() error {
	in, out := c.in, c.out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}

	password := c.Password
	if password == "" {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}
