package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// File mirrors config.toml. `revguard init` writes Defaults() with it.
type File struct {
	Review  Review  `toml:"review"`
	Lock    Lock    `toml:"lock"`
	Cleanup Cleanup `toml:"cleanup"`
	Drive   Drive   `toml:"drive"`
	Ollama  Ollama  `toml:"ollama"`
	History History `toml:"history"`
	Metrics Metrics `toml:"metrics"`
	Log     Log     `toml:"log"`
}

type Review struct {
	AttemptLimit         int    `toml:"attempt_limit"`
	BaseRef              string `toml:"base_ref"`
	Prompt               string `toml:"prompt,omitempty"`
	MaxRecaptures        int    `toml:"max_recaptures"`
	ReleaseBetweenPhases bool   `toml:"release_between_phases"`
	Patience             string `toml:"patience"`
	PollInterval         string `toml:"poll_interval"`
}

type Lock struct {
	TTL      string `toml:"ttl"`
	StateDir string `toml:"state_dir,omitempty"`
}

type Cleanup struct {
	MaxAttempts  int    `toml:"max_attempts"`
	InitialWait  string `toml:"initial_wait"`
	MaxWait      string `toml:"max_wait"`
	WorktreeRoot string `toml:"worktree_root,omitempty"`
	RemoveDirty  bool   `toml:"remove_dirty"`
}

type Drive struct {
	Interval string `toml:"interval"`
}

type Ollama struct {
	URL         string `toml:"url"`
	ReviewModel string `toml:"review_model"`
	FixModel    string `toml:"fix_model"`
	Concurrency int    `toml:"concurrency"`
	Timeout     string `toml:"timeout"`
}

type History struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path,omitempty"`
}

type Metrics struct {
	Textfile string `toml:"textfile,omitempty"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Defaults returns the built-in configuration.
func Defaults() File {
	return File{
		Review: Review{
			AttemptLimit:  5,
			BaseRef:       "HEAD",
			MaxRecaptures: 2,
			Patience:      "10m",
			PollInterval:  "2s",
		},
		Lock: Lock{TTL: "30m"},
		Cleanup: Cleanup{
			MaxAttempts: 5,
			InitialWait: "200ms",
			MaxWait:     "2s",
		},
		Drive: Drive{Interval: "5s"},
		Ollama: Ollama{
			URL:         "http://localhost:11434",
			ReviewModel: "qwen2.5-coder:7b",
			FixModel:    "qwen2.5-coder:7b",
			Concurrency: 4,
			Timeout:     "5m",
		},
		History: History{Enabled: true},
		Log:     Log{Level: "info", Format: "text"},
	}
}

// SetDefaults registers Defaults() with viper.
func SetDefaults() {
	d := Defaults()
	viper.SetDefault("review.attempt_limit", d.Review.AttemptLimit)
	viper.SetDefault("review.base_ref", d.Review.BaseRef)
	viper.SetDefault("review.prompt", d.Review.Prompt)
	viper.SetDefault("review.max_recaptures", d.Review.MaxRecaptures)
	viper.SetDefault("review.release_between_phases", d.Review.ReleaseBetweenPhases)
	viper.SetDefault("review.patience", d.Review.Patience)
	viper.SetDefault("review.poll_interval", d.Review.PollInterval)
	viper.SetDefault("lock.ttl", d.Lock.TTL)
	viper.SetDefault("lock.state_dir", d.Lock.StateDir)
	viper.SetDefault("cleanup.max_attempts", d.Cleanup.MaxAttempts)
	viper.SetDefault("cleanup.initial_wait", d.Cleanup.InitialWait)
	viper.SetDefault("cleanup.max_wait", d.Cleanup.MaxWait)
	viper.SetDefault("cleanup.worktree_root", d.Cleanup.WorktreeRoot)
	viper.SetDefault("cleanup.remove_dirty", d.Cleanup.RemoveDirty)
	viper.SetDefault("drive.interval", d.Drive.Interval)
	viper.SetDefault("ollama.url", d.Ollama.URL)
	viper.SetDefault("ollama.review_model", d.Ollama.ReviewModel)
	viper.SetDefault("ollama.fix_model", d.Ollama.FixModel)
	viper.SetDefault("ollama.concurrency", d.Ollama.Concurrency)
	viper.SetDefault("ollama.timeout", d.Ollama.Timeout)
	viper.SetDefault("history.enabled", d.History.Enabled)
	viper.SetDefault("history.path", d.History.Path)
	viper.SetDefault("metrics.textfile", d.Metrics.Textfile)
	viper.SetDefault("log.level", d.Log.Level)
	viper.SetDefault("log.format", d.Log.Format)
}

// GetAttemptLimit returns the number of fix cycles auto-resolve may run
func GetAttemptLimit() int {
	if n := viper.GetInt("review.attempt_limit"); n >= 0 {
		return n
	}
	return 0
}

func GetBaseRef() string {
	return viper.GetString("review.base_ref")
}

// GetPrompt returns the configured review prompt, empty for the built-in one
func GetPrompt() string {
	return viper.GetString("review.prompt")
}

func GetMaxRecaptures() int {
	return viper.GetInt("review.max_recaptures")
}

func ReleaseBetweenPhases() bool {
	return viper.GetBool("review.release_between_phases")
}

// GetPatience returns how long a session waits on a busy lock
func GetPatience() time.Duration {
	return viper.GetDuration("review.patience")
}

func GetPollInterval() time.Duration {
	return viper.GetDuration("review.poll_interval")
}

// GetLockTTL returns the lease length of a review lock record
func GetLockTTL() time.Duration {
	return viper.GetDuration("lock.ttl")
}

// GetStateDir returns the directory holding lock records, the cleanup queue
// and history. It defaults to $XDG_STATE_HOME/revguard or
// ~/.local/state/revguard.
func GetStateDir() string {
	if dir := viper.GetString("lock.state_dir"); dir != "" {
		return expandHome(dir)
	}
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "revguard")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "revguard")
	}
	return filepath.Join(home, ".local", "state", "revguard")
}

func GetCleanupMaxAttempts() int {
	return viper.GetInt("cleanup.max_attempts")
}

// GetCleanupBackoff returns the first and the longest wait between lock
// attempts made by cleanup
func GetCleanupBackoff() (initial, max time.Duration) {
	return viper.GetDuration("cleanup.initial_wait"), viper.GetDuration("cleanup.max_wait")
}

// GetWorktreeRoot returns the directory revguard manages worktrees under
func GetWorktreeRoot() string {
	return expandHome(viper.GetString("cleanup.worktree_root"))
}

func CleanupRemoveDirty() bool {
	return viper.GetBool("cleanup.remove_dirty")
}

func GetDriveInterval() time.Duration {
	return viper.GetDuration("drive.interval")
}

func GetOllamaURL() string {
	return viper.GetString("ollama.url")
}

func GetReviewModel() string {
	return viper.GetString("ollama.review_model")
}

// GetFixModel falls back to the review model
func GetFixModel() string {
	if m := viper.GetString("ollama.fix_model"); m != "" {
		return m
	}
	return GetReviewModel()
}

func GetReviewConcurrency() int {
	return viper.GetInt("ollama.concurrency")
}

func GetOllamaTimeout() time.Duration {
	return viper.GetDuration("ollama.timeout")
}

func HistoryEnabled() bool {
	return viper.GetBool("history.enabled")
}

// GetHistoryPath defaults to history.db in the state directory
func GetHistoryPath() string {
	if p := viper.GetString("history.path"); p != "" {
		return expandHome(p)
	}
	return filepath.Join(GetStateDir(), "history.db")
}

// GetMetricsTextfile returns where metrics are written, empty to disable
func GetMetricsTextfile() string {
	return expandHome(viper.GetString("metrics.textfile"))
}

func GetLogLevel() string {
	return strings.ToLower(viper.GetString("log.level"))
}

func GetLogFormat() string {
	return strings.ToLower(viper.GetString("log.format"))
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
