package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/maildrop/maildrop/internal/config"
	"github.com/maildrop/maildrop/internal/recipient"
	"github.com/maildrop/maildrop/internal/template"
)

var rootCmd = &cobra.Command{
	Use:   "maildrop",
	Short: "Batch mail-merge dispatch over a single SMTP session",
	Long: `maildrop reads a recipient spreadsheet, renders a text template per
row, sends one message per row with humanlike delays, archives every
attempt to a history spreadsheet, and rewrites the source with the rows
not yet sent.`,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Pre-flight check of the recipient file against the template",
	RunE:  runValidate,
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Render the first recipient's message without sending",
	RunE:  runPreview,
}

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Inspect or replace the message template",
}

var templateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current template and its placeholders",
	RunE:  runTemplateShow,
}

var templateSaveCmd = &cobra.Command{
	Use:   "save [file]",
	Short: "Overwrite the configured template with the given file's content",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateSave,
}

func init() {
	sendCmd.Flags().IntVar(&flagLimit, "limit", 0, "batch size for this run (0 = unbounded)")
	sendCmd.Flags().StringVar(&flagSubject, "subject", "", "subject line for this run")
	sendCmd.Flags().StringVar(&flagRecipients, "recipients", "", "recipient spreadsheet path")
	sendCmd.Flags().StringVar(&flagTemplate, "template", "", "template file path")
	sendCmd.Flags().StringVar(&flagHistory, "history", "", "history spreadsheet path")
	sendCmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "skip the confirmation prompt")

	templateCmd.AddCommand(templateShowCmd)
	templateCmd.AddCommand(templateSaveCmd)

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(templateCmd)
}

func main() {
	// Local .env overrides are optional
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadInputs loads config, template and recipients, applying per-run
// path overrides from the send flags when set.
func loadInputs(cmd *cobra.Command) (*config.Config, string, *recipient.Table, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlagOverrides(cmd, cfg)

	tpl, err := template.Load(cfg.Files.Template)
	if err != nil {
		return nil, "", nil, err
	}

	table, err := recipient.Load(cfg.Files.Recipients)
	if err != nil {
		return cfg, tpl, table, err
	}
	return cfg, tpl, table, nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, tpl, table, err := loadInputs(cmd)
	if err != nil {
		if errors.Is(err, recipient.ErrSourceEmpty) {
			fmt.Println("Recipient file is empty: all rows already processed.")
			return nil
		}
		return err
	}

	names := template.Placeholders(tpl)
	fmt.Printf("Template %s references %d placeholder(s): %v\n", cfg.Files.Template, len(names), names)

	if missing := table.MissingColumns(names); len(missing) > 0 {
		return fmt.Errorf("recipient file %s lacks column(s): %v", cfg.Files.Recipients, missing)
	}

	noAddress := 0
	for _, row := range table.Rows {
		if _, ok := table.Address(row); !ok {
			noAddress++
		}
	}
	fmt.Printf("Recipient file %s: %d row(s), %d without a usable address\n",
		cfg.Files.Recipients, len(table.Rows), noAddress)
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

func runPreview(cmd *cobra.Command, args []string) error {
	cfg, tpl, table, err := loadInputs(cmd)
	if err != nil {
		return err
	}

	row := table.Rows[0]
	to, _ := table.Address(row)
	fmt.Printf("From:    %s <%s>\n", cfg.Sender.Name, cfg.Sender.Address)
	fmt.Printf("To:      %s\n", to)
	fmt.Printf("Subject: %s\n\n", cfg.Send.Subject)
	fmt.Println(template.Render(tpl, row))
	return nil
}

func runTemplateShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	tpl, err := template.Load(cfg.Files.Template)
	if err != nil {
		return err
	}
	fmt.Printf("Placeholders: %v\n\n", template.Placeholders(tpl))
	fmt.Println(tpl)
	return nil
}

func runTemplateSave(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	if err := template.Save(cfg.Files.Template, string(content)); err != nil {
		return err
	}
	fmt.Printf("Template saved to %s\n", cfg.Files.Template)
	return nil
}
