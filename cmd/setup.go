package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/afk-tools/claude-afk/internal/config"
)

var setupApply bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create default config and register hooks",
	Long: `Writes a default config file and registers the claude-afk hook commands in
the host settings.

Use --apply to modify the settings file; without it, setup only previews.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, err := config.ConfigFilePath()
		if err != nil {
			return err
		}
		cfgDir, err := config.ConfigDir()
		if err != nil {
			return err
		}

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			if setupApply {
				if err := config.EnsureDir(cfgDir, 0700); err != nil {
					return err
				}
				if err := cfg.Save(cfgPath); err != nil {
					return fmt.Errorf("save config: %w", err)
				}
				fmt.Printf("Created %s\n", cfgPath)
			} else {
				fmt.Printf("Would create %s\n", cfgPath)
			}
		} else {
			fmt.Printf("Config: %s\n", cfgPath)
		}

		settingsPath, err := config.HostSettingsPath()
		if err != nil {
			return err
		}

		if config.HooksInstalled(settingsPath) {
			fmt.Printf("Hooks: already registered in %s\n", settingsPath)
		} else if setupApply {
			bin, err := exec.LookPath("claude-afk")
			if err != nil {
				bin, _ = os.Executable()
			}
			if err := config.InstallHooks(settingsPath, bin, cfg); err != nil {
				return fmt.Errorf("install hooks: %w", err)
			}
			fmt.Printf("Registered hooks in %s (backup at %s.afk.bak)\n", settingsPath, settingsPath)
		} else {
			fmt.Printf("Would register permission, stop, and session-start hooks in %s\n", settingsPath)
		}

		fmt.Println()
		if config.TelegramToken() == "" {
			color.Yellow("Telegram bot token not set.")
			fmt.Println("1. Create a bot with @BotFather and copy its token.")
			fmt.Println("2. Export it as TELEGRAM_BOT_TOKEN (or CLAUDE_AFK_TELEGRAM_TOKEN).")
			fmt.Println("3. Send /start to your bot to pair the chat.")
		} else {
			color.Green("Telegram bot token found.")
			fmt.Println("Send /start to your bot to pair the chat if you haven't yet.")
		}

		if !setupApply {
			fmt.Println("\n(Dry run — no changes made. Use --apply to proceed.)")
		}
		return nil
	},
}

func init() {
	setupCmd.Flags().BoolVar(&setupApply, "apply", false, "Apply changes (write config, register hooks)")
	rootCmd.AddCommand(setupCmd)
}
