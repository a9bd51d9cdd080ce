package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/yllada/vpn-core/keyring"
)

func (o *options) tokenStore() (*keyring.Store, error) {
	dir, err := o.cfg.ResolveStateDir()
	if err != nil {
		return nil, err
	}
	return keyring.New(dir), nil
}

func newLoginCommand(o *options) *cobra.Command {
	var fromStdin bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the backend API token in the system keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := readToken(cmd.InOrStdin(), cmd.ErrOrStderr(), fromStdin)
			if err != nil {
				return err
			}
			store, err := o.tokenStore()
			if err != nil {
				return err
			}
			if err := store.SetToken(token); err != nil {
				return fmt.Errorf("saving token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("✓")+" Token saved")
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "token-stdin", false, "read the token from standard input without prompting")
	return cmd
}

func newLogoutCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored backend API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := o.tokenStore()
			if err != nil {
				return err
			}
			if err := store.ClearToken(); err != nil {
				return fmt.Errorf("removing token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("✓")+" Token removed")
			return nil
		},
	}
}

// readToken prompts without echo on a terminal and otherwise reads the
// first line of in.
func readToken(in io.Reader, prompt io.Writer, noPrompt bool) (string, error) {
	if f, ok := in.(*os.File); ok && !noPrompt && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "API token: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return validToken(string(b))
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return validToken(line)
}

func validToken(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("empty token")
	}
	return s, nil
}
