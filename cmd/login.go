package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/jake-scott/devicehub/internal/pkg/audit"
)

var _loginCmdOpts struct {
	username string
	timeout  time.Duration
}

var loginCmd = &cobra.Command{
	Use:   "login <vendor>",
	Short: "Store vendor credentials using a username and password",
	Long: `login exchanges a vendor account's username and password for OAuth
tokens and saves them in the credential store. Vendors that only support
the authorization code flow are connected through the server's
/oauth/<vendor>/authorize endpoint instead.`,
	Args: cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		return doLogin(args[0])
	},
}

func init() {
	loginCmd.Flags().StringVar(&_loginCmdOpts.username, "username", "", "vendor account user name")
	loginCmd.Flags().DurationVar(&_loginCmdOpts.timeout, "timeout", 30*time.Second, "maximum duration of the token request")

	errPanic(viper.GetViper().BindPFlag("login.username", loginCmd.Flags().Lookup("username")))
	errPanic(viper.GetViper().BindPFlag("login.timeout", loginCmd.Flags().Lookup("timeout")))

	rootCmd.AddCommand(loginCmd)
}

func knownOauthVendor(id string) bool {
	for _, v := range oauthVendors {
		if v == id {
			return true
		}
	}
	return false
}

// readPassword takes the password from DEVICEHUB_LOGIN_PASSWORD, or prompts
// for it without echo
func readPassword() (string, error) {
	if p := viper.GetString("login.password"); p != "" {
		return p, nil
	}

	fd := int(os.Stdin.Fd())
	if !terminal.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", errors.Wrap(err, "reading password")
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	b, err := terminal.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", errors.Wrap(err, "reading password")
	}
	return string(b), nil
}

func doLogin(vendorID string) error {
	if !knownOauthVendor(vendorID) {
		return fmt.Errorf("%s does not use OAuth credentials", vendorID)
	}
	if err := checkRequiredFlags("login.username", vendorKey(vendorID, "token-url")); err != nil {
		return err
	}

	password, err := readPassword()
	if err != nil {
		return err
	}

	store, storeCloser, err := openCredentialStore()
	if err != nil {
		return err
	}
	defer storeCloser.Close()

	recorder, _, cl, err := buildRecorder()
	if err != nil {
		return err
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("login.timeout"))
	defer cancel()

	username := viper.GetString("login.username")
	ev := audit.Event{
		Category: audit.CategoryAuthentication,
		Action:   "password-login",
		Actor:    username,
		Metadata: map[string]interface{}{"vendor": vendorID},
	}

	if err := newTokenManager(vendorID, store).PasswordLogin(ctx, username, password); err != nil {
		ev.Outcome = audit.OutcomeFailed
		recorder.Record(ctx, ev)
		return err
	}

	ev.Outcome = audit.OutcomeSuccess
	recorder.Record(ctx, ev)
	fmt.Printf("%s credentials stored\n", vendorID)
	return nil
}
