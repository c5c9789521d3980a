package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/shelf-matcher/internal/database"
)

var candidatesCmd = &cobra.Command{
	Use:   "candidates <detection-id>",
	Short: "Show the stored candidates of a detection",
	Args:  cobra.ExactArgs(1),
	RunE:  runCandidates,
}

func init() {
	rootCmd.AddCommand(candidatesCmd)
}

func runCandidates(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	store, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	defer store.Close()

	det, err := store.GetDetection(ctx, args[0])
	if err != nil {
		return err
	}
	candidates, err := store.ListCandidates(ctx, det.ID)
	if err != nil {
		return fmt.Errorf("list candidates: %w", err)
	}

	fmt.Printf("Detection: %s (image %s, #%d)\n", det.ID, det.ImageID, det.Index)
	if det.FullyResolved {
		key := det.ChosenKey
		if link := cfg.Catalog.ProductURL(det.ChosenKey); link != "" {
			key = link
		}
		fmt.Printf("Resolved:  %s via %s (%.0f%%)\n", key, det.SelectionMethod, det.MatchConfidence*100)
	} else {
		fmt.Println("Resolved:  no")
	}

	if len(candidates) == 0 {
		fmt.Println("\nNo candidates stored.")
		return nil
	}
	fmt.Println()
	fmt.Println(renderCandidates(det, candidates, cfg.Catalog.ProductURL))
	return nil
}
