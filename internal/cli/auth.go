package cli

import (
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/dl-alexandre/ncsync/internal/auth"
	"github.com/dl-alexandre/ncsync/internal/config"
	"github.com/dl-alexandre/ncsync/internal/utils"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage account credentials",
}

var authLoginCmd = &cobra.Command{
	Use:   "login <account>",
	Short: "Authorize an account",
	Long: `Authorize an account with the Drive API. A browser is used when one is
available; otherwise the device flow prints a code to enter on another device.
The first account to log in becomes the active account.`,
	Args: cobra.ExactArgs(1),
	RunE: runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout [account]",
	Short: "Remove stored credentials",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuthLogout,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored accounts",
	RunE:  runAuthStatus,
}

var (
	authDevice      bool
	authKeyFile     string
	authImpersonate string
)

func init() {
	authLoginCmd.Flags().BoolVar(&authDevice, "device", false, "Use the device authorization flow")
	authLoginCmd.Flags().StringVar(&authKeyFile, "service-account", "", "Path to a service account JSON key")
	authLoginCmd.Flags().StringVar(&authImpersonate, "impersonate", "", "User to impersonate with the service account")

	authCmd.AddCommand(authLoginCmd, authLogoutCmd, authStatusCmd)
	rootCmd.AddCommand(authCmd)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := newOutputWriter()
	account := args[0]

	cfg, path, err := loadConfigWithPath()
	if err != nil {
		return err
	}
	mgr, err := newAuthManager(cfg, path)
	if err != nil {
		return err
	}
	if warning := mgr.StorageWarning(); warning != "" {
		out.Log("%s", warning)
	}

	var creds *auth.Credentials
	switch {
	case authKeyFile != "":
		creds, err = mgr.ServiceAccountLogin(ctx, account, authKeyFile, authImpersonate, utils.ScopesSync)
	case authDevice:
		creds, err = mgr.DeviceLogin(ctx, account, cmd.ErrOrStderr())
	default:
		creds, err = mgr.BrowserLogin(ctx, account, openBrowser, cmd.ErrOrStderr())
	}
	if err != nil {
		if _, ok := asAppError(err); ok {
			return err
		}
		return utils.NewCLIError(utils.ErrCodeAuthRequired, err.Error()).WithCause(err).Err()
	}

	if cfg.Account == "" {
		cfg.Account = account
		if err := cfg.SaveTo(path); err != nil {
			return fmt.Errorf("failed to save active account: %w", err)
		}
	}

	out.Log("Authorized %s", account)
	return out.WriteSuccess("auth.login", accountStatus{
		Account:        creds.Account,
		Type:           string(creds.Type),
		Scopes:         creds.Scopes,
		Active:         cfg.Account == account,
		StorageBackend: mgr.StorageBackend(),
	})
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	out := newOutputWriter()
	cfg, path, err := loadConfigWithPath()
	if err != nil {
		return err
	}
	account := cfg.Account
	if len(args) == 1 {
		account = args[0]
	}
	if account == "" {
		return utils.NewCLIError(utils.ErrCodeInvalidArgument, "No account given").Err()
	}

	mgr, err := newAuthManager(cfg, path)
	if err != nil {
		return err
	}
	if err := mgr.DeleteCredentials(account); err != nil {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	if cfg.Account == account {
		cfg.Account = ""
		if err := cfg.SaveTo(path); err != nil {
			return err
		}
	}

	out.Log("Removed credentials for %s", account)
	return out.WriteSuccess("auth.logout", map[string]string{"account": account})
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	out := newOutputWriter()
	cfg, path, err := loadConfigWithPath()
	if err != nil {
		return err
	}
	mgr, err := newAuthManager(cfg, path)
	if err != nil {
		return err
	}

	accounts, err := mgr.ListAccounts()
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	list := accountList{}
	for _, account := range accounts {
		status := accountStatus{Account: account, Active: account == cfg.Account, StorageBackend: mgr.StorageBackend()}
		creds, err := mgr.LoadCredentials(account)
		if err != nil {
			status.Error = err.Error()
		} else {
			status.Type = string(creds.Type)
			status.Scopes = creds.Scopes
			if !creds.Expiry.IsZero() {
				status.Expiry = creds.Expiry.Format(time.RFC3339)
			}
		}
		list = append(list, status)
	}
	return out.WriteSuccess("auth.status", list)
}

type accountStatus struct {
	Account        string   `json:"account"`
	Type           string   `json:"type,omitempty"`
	Scopes         []string `json:"scopes,omitempty"`
	Expiry         string   `json:"expiry,omitempty"`
	Active         bool     `json:"active"`
	StorageBackend string   `json:"storageBackend"`
	Error          string   `json:"error,omitempty"`
}

type accountList []accountStatus

func (l accountList) Headers() []string { return []string{"", "Account", "Type", "Token Expiry"} }

func (l accountList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, s := range l {
		marker := ""
		if s.Active {
			marker = "*"
		}
		kind := s.Type
		if s.Error != "" {
			kind = "error"
		}
		rows = append(rows, []string{marker, s.Account, kind, s.Expiry})
	}
	return rows
}

func (l accountList) EmptyMessage() string { return "No accounts. Run 'ncsync auth login <account>'." }

func loadConfigWithPath() (*config.Config, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	path, err := configPath()
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func openBrowser(url string) error {
	var c *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		c = exec.Command("open", url)
	case "linux":
		c = exec.Command("xdg-open", url)
	case "windows":
		c = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform")
	}
	return c.Start()
}
