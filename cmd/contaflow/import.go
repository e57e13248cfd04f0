package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/fjmoreno/contaflow/internal/cli"
	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/service"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import normalized transactions or ledger entries",
		Long: `Import already-normalized records from a JSON-lines file, one object
per line. Transactions are duplicate-checked by their per-account hash,
so re-importing the same statement is safe.

Transaction lines:
  {"id": "...", "account_id": "...", "date": "2006-01-02", "amount": -12.34, "description": "..."}

Ledger lines (--ledger):
  {"id": "...", "date": "2006-01-02", "amount": -12.34, "description": "..."}`,
		Args: cobra.ExactArgs(1),
		RunE: runImport,
	}

	cmd.Flags().Bool("ledger", false, "import ledger entries instead of bank transactions")
	cmd.Flags().Bool("dry-run", false, "parse and report without saving")

	return cmd
}

// transactionLine is the JSON-lines wire form of one bank transaction.
type transactionLine struct {
	ID          string  `json:"id"`
	AccountID   string  `json:"account_id"`
	Date        string  `json:"date"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
	Type        string  `json:"type,omitempty"`
}

// ledgerLine is the JSON-lines wire form of one accounting record.
type ledgerLine struct {
	ID          string  `json:"id"`
	Date        string  `json:"date"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ledger, _ := cmd.Flags().GetBool("ledger")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	var tenant string
	if !ledger {
		var err error
		tenant, err = requireTenant()
		if err != nil {
			return err
		}
	}

	file, err := os.Open(args[0]) // #nosec G304 -- operator-supplied path
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer func() { _ = file.Close() }()

	store, _, err := initStorage(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if ledger {
		return importLedger(ctx, store, file, dryRun)
	}
	return importTransactions(ctx, store, file, tenant, dryRun)
}

func importTransactions(ctx context.Context, store service.Storage, file io.Reader, tenant string, dryRun bool) error {
	bar := newImportBar("Importing transactions")

	var transactions []model.Transaction
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record transactionLine
		if err := json.Unmarshal(line, &record); err != nil {
			return fmt.Errorf("line %d: invalid JSON: %w", lineNo, err)
		}
		txn, err := record.toModel(tenant)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		transactions = append(transactions, txn)
		_ = bar.Add(1)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	_ = bar.Finish()
	fmt.Println()

	if len(transactions) == 0 {
		fmt.Println(cli.SubtleStyle.Render("nothing to import"))
		return nil
	}
	if dryRun {
		fmt.Println(cli.FormatWarning(fmt.Sprintf("dry run: parsed %d transactions, not saving", len(transactions))))
		return nil
	}

	if err := store.SaveTransactions(ctx, transactions); err != nil {
		if errors.Is(err, common.ErrDuplicateEntry) {
			return fmt.Errorf("duplicate transaction hash in batch; was this statement already imported? (%w)", err)
		}
		return fmt.Errorf("failed to save transactions: %w", err)
	}

	fmt.Println(cli.FormatSuccess(fmt.Sprintf("imported %d transactions", len(transactions))))
	return nil
}

func importLedger(ctx context.Context, store service.Storage, file io.Reader, dryRun bool) error {
	bar := newImportBar("Importing ledger entries")

	var entries []model.LedgerEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record ledgerLine
		if err := json.Unmarshal(line, &record); err != nil {
			return fmt.Errorf("line %d: invalid JSON: %w", lineNo, err)
		}
		entry, err := record.toModel()
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		entries = append(entries, entry)
		_ = bar.Add(1)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	_ = bar.Finish()
	fmt.Println()

	if len(entries) == 0 {
		fmt.Println(cli.SubtleStyle.Render("nothing to import"))
		return nil
	}
	if dryRun {
		fmt.Println(cli.FormatWarning(fmt.Sprintf("dry run: parsed %d ledger entries, not saving", len(entries))))
		return nil
	}

	if err := store.SaveLedgerEntries(ctx, entries); err != nil {
		return fmt.Errorf("failed to save ledger entries: %w", err)
	}

	fmt.Println(cli.FormatSuccess(fmt.Sprintf("imported %d ledger entries", len(entries))))
	return nil
}

func (r transactionLine) toModel(tenant string) (model.Transaction, error) {
	if r.ID == "" || r.AccountID == "" {
		return model.Transaction{}, fmt.Errorf("id and account_id are required")
	}
	date, err := time.Parse("2006-01-02", r.Date)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("invalid date %q: %w", r.Date, err)
	}

	txnType := model.TransactionType(r.Type)
	if r.Type == "" {
		txnType = model.TypeExpense
		if r.Amount >= 0 {
			txnType = model.TypeIncome
		}
	}

	txn := model.Transaction{
		ID:          r.ID,
		AccountID:   r.AccountID,
		TenantID:    tenant,
		Date:        date,
		Amount:      r.Amount,
		Description: r.Description,
		Type:        txnType,
	}
	txn.Hash = txn.GenerateHash()
	return txn, nil
}

func (r ledgerLine) toModel() (model.LedgerEntry, error) {
	if r.ID == "" {
		return model.LedgerEntry{}, fmt.Errorf("id is required")
	}
	date, err := time.Parse("2006-01-02", r.Date)
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("invalid date %q: %w", r.Date, err)
	}
	return model.LedgerEntry{
		ID:          r.ID,
		Date:        date,
		Amount:      r.Amount,
		Description: r.Description,
	}, nil
}

func newImportBar(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSpinnerType(14),
	)
}
