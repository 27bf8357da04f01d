package config

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var ErrNoAccounts = errors.New("no accounts configured")

// AccountCredentials identify one signer. AgentWallet is set when an API agent key signs for Account.
type AccountCredentials struct {
	PrivateKey  string
	Account     string
	AgentWallet string
}

func (a AccountCredentials) IsAgent() bool {
	return a.AgentWallet != ""
}

// ParseAccounts reads rows with the header api_key,api_secret,walletaddress,subaccount.
func ParseAccounts(r io.Reader) ([]AccountCredentials, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoAccounts
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, required := range []string{"api_key", "api_secret"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("accounts file is missing the %s column", required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var accounts []AccountCredentials
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read accounts line %d: %w", line, err)
		}

		apiKey := field(record, "api_key")
		secret := field(record, "api_secret")
		if apiKey == "" && secret == "" {
			continue
		}
		if secret == "" {
			return nil, fmt.Errorf("accounts line %d has no api_secret", line)
		}

		mainAccount := field(record, "walletaddress")
		if mainAccount == "" {
			mainAccount = field(record, "subaccount")
		}

		if mainAccount != "" && mainAccount != apiKey {
			accounts = append(accounts, AccountCredentials{
				PrivateKey:  secret,
				Account:     mainAccount,
				AgentWallet: apiKey,
			})
			continue
		}
		accounts = append(accounts, AccountCredentials{
			PrivateKey: secret,
			Account:    apiKey,
		})
	}

	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	return accounts, nil
}

func LoadAccountsFile(path string) ([]AccountCredentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open accounts file: %w", err)
	}
	defer f.Close()

	return ParseAccounts(f)
}

// Accounts resolves the signer list. Configured credentials win over the accounts file.
func (c *Config) Accounts() ([]AccountCredentials, error) {
	if c.Credentials.PrivateKey != "" {
		return []AccountCredentials{{
			PrivateKey:  c.Credentials.PrivateKey,
			Account:     c.Credentials.Account,
			AgentWallet: c.Credentials.AgentWallet,
		}}, nil
	}
	if c.Pacifica.AccountsFile == "" {
		return nil, ErrNoAccounts
	}
	return LoadAccountsFile(c.Pacifica.AccountsFile)
}
