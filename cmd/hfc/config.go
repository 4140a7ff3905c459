package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	apiclient "github.com/hamayni/forge/pkg/api/client"
)

const defaultAPIBaseURL = "http://localhost:4000"

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

// loadConfig reads the saved config. HFC_API_URL and HFC_OPERATOR_TOKEN
// override the file.
func loadConfig() (cliConfig, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return cliConfig{}, err
	}
	if v := strings.TrimSpace(os.Getenv("HFC_API_URL")); v != "" {
		cfg.APIBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("HFC_OPERATOR_TOKEN")); v != "" {
		cfg.AccessToken = v
	}
	return cfg, nil
}

func readConfigFile() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "hfc", "config.json"), nil
}

// session returns an API client and the operator token, failing when the
// operator has not logged in.
func session() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'hfc login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL, apiclient.WithUserAgent("hfc-cli/"+buildVersion))
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}
