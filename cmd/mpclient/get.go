package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	marketplace "github.com/bjoelf/marketplace-adapter/adapter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var getConcurrency int

func init() {
	getCmd.Flags().IntVarP(&getConcurrency, "concurrency", "n", 1, "number of concurrent identical requests")
	rootCmd.AddCommand(getCmd)
}

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Issue authenticated GET requests through the request pipeline",
	Long: "Issues the same GET --concurrency times in parallel. When the access token has expired\n" +
		"all callers share a single refresh and each replays once.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		if getConcurrency < 1 {
			return fmt.Errorf("--concurrency must be at least 1")
		}

		var printMu sync.Mutex
		g, ctx := errgroup.WithContext(cmd.Context())
		for i := 0; i < getConcurrency; i++ {
			i := i
			g.Go(func() error {
				resp, err := a.client.Pipeline.Get(ctx, args[0])

				printMu.Lock()
				defer printMu.Unlock()

				var httpErr *marketplace.HTTPError
				switch {
				case errors.As(err, &httpErr):
					fmt.Printf("[%d] %d %s\n", i, httpErr.StatusCode, httpErr.Body)
					return nil
				case err != nil:
					return fmt.Errorf("request %d: %w", i, err)
				}

				fmt.Printf("[%d] %d\n", i, resp.StatusCode)
				if getConcurrency == 1 {
					printJSON(resp.Body)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if n := a.client.Coordinator.RefreshCount(); n > 0 {
			a.logger.Info().Int("refreshes", n).Msg("token refreshed during run")
		}
		return nil
	},
}

func printJSON(body []byte) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		os.Stdout.Write(body)
		fmt.Println()
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
