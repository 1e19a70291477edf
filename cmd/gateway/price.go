package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/pricing"
	"github.com/aistats/gateway/internal/usage"
)

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Price a usage record against a card file",
	Long: `price reads a YAML card file and a JSON usage object and prints the bill.

The usage object may use any provider spelling (prompt_tokens, input_tokens,
...) or canonical meter names. When the card file holds more than one card,
--provider, --model and --endpoint pick the card.`,
	Example: "  gateway price --card cards.yaml --usage usage.json",
	RunE:    runPrice,
}

func init() {
	priceCmd.Flags().String("card", "", "YAML price card file")
	priceCmd.Flags().String("usage", "", "JSON usage file, - for stdin")
	priceCmd.Flags().String("provider", "", "card provider")
	priceCmd.Flags().String("model", "", "card model")
	priceCmd.Flags().String("endpoint", "", "card endpoint")
	priceCmd.Flags().String("plan", "", "pricing plan")
	priceCmd.Flags().String("at", "", "price at this RFC 3339 time instead of now")
	priceCmd.Flags().Bool("json", false, "print the bill as JSON")
	_ = priceCmd.MarkFlagRequired("card")
	_ = priceCmd.MarkFlagRequired("usage")
}

func runPrice(cmd *cobra.Command, args []string) error {
	cardPath, _ := cmd.Flags().GetString("card")
	usagePath, _ := cmd.Flags().GetString("usage")
	provider, _ := cmd.Flags().GetString("provider")
	model, _ := cmd.Flags().GetString("model")
	endpoint, _ := cmd.Flags().GetString("endpoint")
	plan, _ := cmd.Flags().GetString("plan")
	atFlag, _ := cmd.Flags().GetString("at")
	asJSON, _ := cmd.Flags().GetBool("json")

	at := time.Now()
	if atFlag != "" {
		t, err := time.Parse(time.RFC3339, atFlag)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		at = t
	}

	data, err := os.ReadFile(cardPath)
	if err != nil {
		return fmt.Errorf("read card file: %w", err)
	}
	cards, err := pricing.Parse(data)
	if err != nil {
		return err
	}
	card, err := pickCard(cards, provider, model, domain.Endpoint(endpoint), at)
	if err != nil {
		return err
	}

	raw, err := readUsage(cmd.InOrStdin(), usagePath)
	if err != nil {
		return err
	}
	if !json.Valid(raw) {
		return fmt.Errorf("usage file is not valid JSON")
	}

	bill, err := pricing.Compute(usage.MetersFromJSON(raw), card, nil, plan)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(bill)
	}
	printBill(out, card, bill)
	return nil
}

func pickCard(cards []pricing.Card, provider, model string, endpoint domain.Endpoint, at time.Time) (*pricing.Card, error) {
	if provider == "" && model == "" && endpoint == "" {
		if len(cards) != 1 {
			return nil, fmt.Errorf("card file holds %d cards; pass --provider, --model and --endpoint", len(cards))
		}
		if !cards[0].Applies(at) {
			return nil, fmt.Errorf("%w: card is not effective at %s", domain.ErrPriceCardNotFound, at.Format(time.RFC3339))
		}
		return &cards[0], nil
	}
	return pricing.Select(cards, provider, model, endpoint, at)
}

func readUsage(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read usage file: %w", err)
	}
	return data, nil
}

func printBill(w io.Writer, card *pricing.Card, bill *pricing.Bill) {
	bold := color.New(color.Bold)
	dim := color.New(color.Faint)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)

	bold.Fprintf(w, "%s / %s (%s)\n", card.Provider, card.Model, card.Endpoint)
	for _, l := range bill.Lines {
		fmt.Fprintf(w, "  %-28s %12d %-8s x %s = %s\n", l.Dimension, l.RawCount, l.Unit, l.UnitPrice.StringFixed(pricing.PriceDecimals), l.Amount.StringFixed(pricing.PriceDecimals))
		dim.Fprintf(w, "    rule %s, plan %s\n", l.RuleID, l.PricingPlan)
	}
	for _, m := range bill.Unpriced {
		yellow.Fprintf(w, "  %-28s unpriced\n", m)
	}
	green.Fprintf(w, "total %s %s\n", bill.Total.StringFixed(pricing.PriceDecimals), bill.Currency)
}
