// Package clientcmd implements the conveyor client command tree.
package clientcmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/conveyor-ci/conveyor/internal/client"
)

var version = "dev"

// NewRootCmd creates the root cobra command for conveyor.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "conveyor",
		Short:         "Conveyor — CI jobs from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("hub", "", "hub base URL (default $CONVEYOR_HUB_URL)")
	root.PersistentFlags().String("api-key", "", "API key (default $CONVEYOR_API_KEY)")

	root.AddCommand(newJobsCmd())
	root.AddCommand(newSubmitCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newCancelCmd())
	root.AddCommand(newRetryCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// clientConfig is the on-disk CLI configuration.
type clientConfig struct {
	HubURL string `json:"hub_url"`
	APIKey string `json:"api_key"`
}

// newClient resolves hub URL and API key from flags, environment, and the
// config file, in that order.
func newClient(cmd *cobra.Command) (*client.Client, error) {
	_ = godotenv.Load()

	hubURL, _ := cmd.Flags().GetString("hub")
	apiKey, _ := cmd.Flags().GetString("api-key")

	if hubURL == "" {
		hubURL = os.Getenv("CONVEYOR_HUB_URL")
	}
	if apiKey == "" {
		apiKey = os.Getenv("CONVEYOR_API_KEY")
	}

	if hubURL == "" || apiKey == "" {
		if cfg, err := loadClientConfig(); err == nil {
			if hubURL == "" {
				hubURL = cfg.HubURL
			}
			if apiKey == "" {
				apiKey = cfg.APIKey
			}
		}
	}

	if hubURL == "" {
		return nil, fmt.Errorf("hub URL not configured (set --hub, CONVEYOR_HUB_URL, or %s)", clientConfigPath())
	}
	if apiKey == "" {
		return nil, fmt.Errorf("API key not configured (set --api-key, CONVEYOR_API_KEY, or %s)", clientConfigPath())
	}
	return client.New(hubURL, apiKey), nil
}

func clientConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "conveyor.json"
	}
	return filepath.Join(dir, "conveyor", "config.json")
}

func loadClientConfig() (*clientConfig, error) {
	data, err := os.ReadFile(clientConfigPath())
	if err != nil {
		return nil, err
	}
	var cfg clientConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("conveyor", version)
		},
	}
}
