package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/maildrop/maildrop/internal/archive"
	"github.com/maildrop/maildrop/internal/campaign"
	"github.com/maildrop/maildrop/internal/config"
	"github.com/maildrop/maildrop/internal/logger"
	"github.com/maildrop/maildrop/internal/recipient"
	"github.com/maildrop/maildrop/internal/smtp"
	"github.com/maildrop/maildrop/internal/template"
)

var (
	flagLimit      int
	flagSubject    string
	flagRecipients string
	flagTemplate   string
	flagHistory    string
	flagYes        bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Dispatch the pending batch and archive the outcomes",
	RunE:  runSend,
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("limit") {
		cfg.Send.BatchLimit = flagLimit
	}
	if cmd.Flags().Changed("subject") {
		cfg.Send.Subject = flagSubject
	}
	if cmd.Flags().Changed("recipients") {
		cfg.Files.Recipients = flagRecipients
	}
	if cmd.Flags().Changed("template") {
		cfg.Files.Template = flagTemplate
	}
	if cmd.Flags().Changed("history") {
		cfg.Files.History = flagHistory
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, tpl, table, err := loadInputs(cmd)
	if err != nil {
		if errors.Is(err, recipient.ErrSourceEmpty) {
			fmt.Println("Recipient file is empty: nothing left to send.")
			return nil
		}
		return err
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	// Hard stops: nothing is dialed and no file is touched past here
	// unless every precondition holds.
	if err := cfg.Validate(); err != nil {
		return err
	}
	if missing := table.MissingColumns(template.Placeholders(tpl)); len(missing) > 0 {
		return fmt.Errorf("recipient file %s lacks column(s): %v", cfg.Files.Recipients, missing)
	}

	batch, remaining := table.Partition(cfg.Send.BatchLimit)
	if !flagYes && !confirm(len(batch.Rows), len(remaining.Rows)) {
		fmt.Println("Aborted.")
		return nil
	}

	// Ctrl-C ends the batch early at the next row boundary; the rows
	// already attempted still get archived.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	smtpCfg := smtp.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
	}
	if smtpCfg.Username == "" {
		smtpCfg.Username = cfg.Sender.Address
	}
	dial := func(ctx context.Context) (smtp.Sender, error) {
		return smtp.Open(ctx, smtpCfg, log)
	}

	runner := campaign.New(dial, log)
	res, err := runner.Run(ctx, batch, remaining, tpl, campaign.Options{
		From:            smtp.Addr{Name: cfg.Sender.Name, Address: cfg.Sender.Address},
		Subject:         cfg.Send.Subject,
		MinDelay:        cfg.Send.DelayMin,
		MaxDelay:        cfg.Send.DelayMax,
		CheckpointEvery: cfg.Send.CheckpointEvery,
		CheckpointPause: cfg.Send.CheckpointPause,
	})
	if err != nil {
		return err
	}

	// Interactive runs ask the operator to close the file and retry;
	// unattended runs (--yes) fall back to bounded backoff.
	retry := archive.RetryPolicy(promptRetry)
	if flagYes {
		retry = archive.BackoffRetry(cfg.Send.LockRetries, time.Second)
	}
	writer := archive.New(log, retry)
	if err := writer.AppendHistory(cfg.Files.History, res.Columns, res.Outcomes); err != nil {
		// The source queue is deliberately left untouched: rows must
		// never leave the queue before they are durably archived. The
		// already-sent rows will show as duplicates on the next run;
		// the operator resolves that by fixing the history file first.
		log.Error().Err(err).Msg("history archival failed; recipient source left unmodified")
		return fmt.Errorf("history archival failed (%d record(s) not persisted, source not rewritten): %w",
			len(res.Outcomes), err)
	}
	if err := writer.WriteRemaining(cfg.Files.Recipients, res.Remaining); err != nil {
		return err
	}

	if res.Interrupted {
		fmt.Println("Interrupted: processed rows were archived, the rest stay queued.")
	}
	fmt.Printf("Done. Attempted %d, succeeded %d, failed %d.\n", res.Attempted, res.Succeeded, res.Failed)
	if n := len(res.Remaining.Rows); n > 0 {
		fmt.Printf("%d row(s) still queued in %s; run send again to continue.\n", n, cfg.Files.Recipients)
	} else {
		fmt.Println("All recipients processed; the queue is empty.")
	}
	return nil
}

// promptRetry blocks on operator acknowledgment before retrying a
// lock-failed write, mirroring the usual cause: the spreadsheet is open
// in another program.
func promptRetry(attempt int, err error) bool {
	fmt.Printf("\n%v\nClose the file and press Enter to retry, or type q to give up: ", err)
	reader := bufio.NewReader(os.Stdin)
	line, readErr := reader.ReadString('\n')
	if readErr != nil {
		return false
	}
	return strings.ToLower(strings.TrimSpace(line)) != "q"
}

func confirm(batch, deferred int) bool {
	fmt.Printf("About to send %d message(s)", batch)
	if deferred > 0 {
		fmt.Printf(" (%d deferred to later runs)", deferred)
	}
	fmt.Print(". Continue? [y/N] ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
