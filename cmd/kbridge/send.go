package kbridge

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/edgeflare/kbridge/pkg/envelope"
	"github.com/edgeflare/kbridge/pkg/httputil"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "POST one envelope to a running bridge",
	Long:  `Posts one envelope to /api/kafka of a running kbridge serve and prints the response. The POST
is never retried; --health retries on server errors.`,
	Example: `  kbridge send --url http://localhost:8080 --field1 hello --field2 world
  kbridge send --health`,
	RunE: runSend,
}

func init() {
	f := sendCmd.Flags()
	f.String("url", "http://localhost:8080", "base URL of the bridge")
	f.String("field1", "", "value of field1")
	f.String("field2", "", "value of field2")
	f.Bool("health", false, "query /api/kafka/health instead of publishing")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	baseURL, _ := cmd.Flags().GetString("url")
	baseURL = strings.TrimSuffix(baseURL, "/")

	var (
		rc      httputil.RequestConfig
		payload any
	)
	if health, _ := cmd.Flags().GetBool("health"); health {
		rc = httputil.DefaultRequestConfig(http.MethodGet, baseURL+"/api/kafka/health")
	} else {
		body, err := envelope.Marshal(envelopeFromFlags(cmd))
		if err != nil {
			return err
		}
		rc = httputil.DefaultRequestConfig(http.MethodPost, baseURL+"/api/kafka")
		// a retried POST can publish the envelope twice
		rc.RetryEnabled = false
		payload = body
	}
	rc.Logger = logger

	resp, err := httputil.Request(ctx, rc, payload)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(resp.Body))
	return nil
}
