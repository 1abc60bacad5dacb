package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/pders01/revguard/internal/config"
	"github.com/pders01/revguard/internal/lock"
	"github.com/pders01/revguard/internal/ollama"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the default configuration and state directory",
	Long: `Write a default config file and create the state directory that holds
review locks and the run history.

This command:
  - Creates ~/.config/revguard/config.toml if it doesn't exist (--force overwrites)
  - Creates the state directory (lock.state_dir)

Run it once per machine.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := cfgFile
	if configPath == "" {
		dir, err := configDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(dir, "config.toml")
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		fmt.Fprintf(stdout, "Config already exists: %s\n", configPath)
	} else {
		if err := writeDefaultConfig(configPath); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "✓ Created default config: %s\n", configPath)
	}

	stateDir := config.GetStateDir()
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	fmt.Fprintf(stdout, "✓ State directory: %s\n", stateDir)

	if repo, err := openRepo(commandContext(cmd)); err == nil {
		fmt.Fprintf(stdout, "  Lock for this repository: %s\n", lock.RepoDir(stateDir, repo.Dir))
	}

	checkBackend(commandContext(cmd))

	fmt.Fprintln(stdout, "\n✓ revguard initialized successfully!")
	fmt.Fprintln(stdout, "  You can now use: revguard review")
	return nil
}

// checkBackend reports whether the review backend is usable. Problems are
// warnings: init succeeds without a running Ollama.
func checkBackend(ctx context.Context) {
	url := config.GetOllamaURL()
	if !ollama.IsAvailable(url) {
		fmt.Fprintf(stdout, "%s Ollama is not reachable at %s; reviews will fail until it is running\n",
			paint(warnStyle, "⚠"), url)
		return
	}
	names := []string{config.GetReviewModel()}
	if fix := config.GetFixModel(); fix != names[0] {
		names = append(names, fix)
	}
	for _, model := range names {
		client, err := ollama.NewClient(url, model, nil)
		if err == nil {
			err = client.CheckModel(ctx)
		}
		if err != nil {
			fmt.Fprintf(stdout, "%s %v\n", paint(warnStyle, "⚠"), err)
			continue
		}
		fmt.Fprintf(stdout, "✓ Model available: %s\n", client.GetModel())
	}
}

func writeDefaultConfig(path string) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(config.Defaults()); err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	return nil
}
