package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	planDoctorURL string
	planURL       string
	planForce     bool
)

var planCmd = &cobra.Command{
	Use:   "plan [intent]",
	Short: "Submit an intent to a running doctor",
	Long: `Posts an intent to the doctor's /plan endpoint and prints the
compiled plan, or the route fan-out for a branching intent.

Examples:
  franklab plan "navigate to http://localhost:8080"
  franklab plan "login as alice@example.com with password hunter2, then click 'Submit Post'"
  franklab plan --url http://localhost:8080 "run the signup flow for both boy and girl users"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		intent := strings.Join(args, " ")

		body, err := json.Marshal(map[string]any{
			"intent":         intent,
			"url":            planURL,
			"forceBranching": planForce,
		})
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Post(
			strings.TrimRight(planDoctorURL, "/")+"/plan",
			"application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("posting to doctor: %w", err)
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("doctor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
		}

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, payload, "", "  "); err != nil {
			fmt.Println(string(payload))
			return nil
		}
		fmt.Println(pretty.String())
		return nil
	},
}

func init() {
	planCmd.Flags().StringVar(&planDoctorURL, "doctor", "http://127.0.0.1:9091", "doctor base URL")
	planCmd.Flags().StringVar(&planURL, "url", "", "explicit target url for the plan")
	planCmd.Flags().BoolVar(&planForce, "force-branching", false, "fail unless a branch point is detected")
}
