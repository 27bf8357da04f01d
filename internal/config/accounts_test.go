package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseAccounts(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []AccountCredentials
	}{
		{
			name:  "main wallet",
			input: "api_key,api_secret,walletaddress,subaccount\nMainPub,MainSecret,,\n",
			want:  []AccountCredentials{{PrivateKey: "MainSecret", Account: "MainPub"}},
		},
		{
			name:  "wallet address equal to api key",
			input: "api_key,api_secret,walletaddress,subaccount\nMainPub,MainSecret,MainPub,\n",
			want:  []AccountCredentials{{PrivateKey: "MainSecret", Account: "MainPub"}},
		},
		{
			name:  "agent via wallet address",
			input: "api_key,api_secret,walletaddress,subaccount\nAgentPub,AgentSecret,MainPub,\n",
			want:  []AccountCredentials{{PrivateKey: "AgentSecret", Account: "MainPub", AgentWallet: "AgentPub"}},
		},
		{
			name:  "agent via subaccount",
			input: "api_key,api_secret,walletaddress,subaccount\nAgentPub,AgentSecret,,SubPub\n",
			want:  []AccountCredentials{{PrivateKey: "AgentSecret", Account: "SubPub", AgentWallet: "AgentPub"}},
		},
		{
			name:  "wallet address wins over subaccount",
			input: "api_key,api_secret,walletaddress,subaccount\nAgentPub,AgentSecret,MainPub,SubPub\n",
			want:  []AccountCredentials{{PrivateKey: "AgentSecret", Account: "MainPub", AgentWallet: "AgentPub"}},
		},
		{
			name:  "short rows and blank lines",
			input: "api_key,api_secret,walletaddress,subaccount\n\nA,SA\n , \nB,SB,MainB\n",
			want: []AccountCredentials{
				{PrivateKey: "SA", Account: "A"},
				{PrivateKey: "SB", Account: "MainB", AgentWallet: "B"},
			},
		},
		{
			name:  "byte order mark and spacing",
			input: "\ufeffapi_key, api_secret\n Pub , Sec \n",
			want:  []AccountCredentials{{PrivateKey: "Sec", Account: "Pub"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAccounts(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("ParseAccounts failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d accounts, got %d: %+v", len(tt.want), len(got), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Account %d: expected %+v, got %+v", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestParseAccountsErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		noAccts bool
	}{
		{"empty file", "", true},
		{"header only", "api_key,api_secret,walletaddress,subaccount\n", true},
		{"missing column", "api_key,walletaddress\nA,B\n", false},
		{"missing secret", "api_key,api_secret\nA,\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAccounts(strings.NewReader(tt.input))
			if err == nil {
				t.Fatal("Expected error")
			}
			if tt.noAccts != errors.Is(err, ErrNoAccounts) {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestConfigAccounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.csv")
	body := "api_key,api_secret,walletaddress,subaccount\nAgentPub,AgentSecret,MainPub,\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("Failed to write accounts: %v", err)
	}

	t.Run("accounts file", func(t *testing.T) {
		cfg := &Config{Pacifica: PacificaConfig{AccountsFile: path}}
		accounts, err := cfg.Accounts()
		if err != nil {
			t.Fatalf("Accounts failed: %v", err)
		}
		if len(accounts) != 1 || !accounts[0].IsAgent() {
			t.Errorf("Expected one agent account, got %+v", accounts)
		}
	})

	t.Run("credentials win", func(t *testing.T) {
		cfg := &Config{
			Pacifica:    PacificaConfig{AccountsFile: path},
			Credentials: CredentialsConfig{PrivateKey: "key", Account: "acct"},
		}
		accounts, err := cfg.Accounts()
		if err != nil {
			t.Fatalf("Accounts failed: %v", err)
		}
		if len(accounts) != 1 || accounts[0].Account != "acct" || accounts[0].IsAgent() {
			t.Errorf("Expected configured credentials, got %+v", accounts)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := &Config{Pacifica: PacificaConfig{AccountsFile: filepath.Join(t.TempDir(), "none.csv")}}
		if _, err := cfg.Accounts(); err == nil {
			t.Error("Expected error for missing accounts file")
		}
	})
}
