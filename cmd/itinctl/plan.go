package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/ashureev/itinera/internal/identity"
	"github.com/ashureev/itinera/internal/pipeline"
	"github.com/spf13/cobra"
)

type planOptions struct {
	server    string
	prompt    string
	days      int
	interests []string
	budget    string
	pax       string
	location  string
	clientID  string
	timeout   time.Duration
}

func planCmd() *cobra.Command {
	var opts planOptions

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Request an itinerary and print the resulting session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return runPlan(ctx, cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "Itinera server base URL")
	cmd.Flags().StringVarP(&opts.prompt, "prompt", "p", "", "Trip description")
	cmd.Flags().IntVarP(&opts.days, "days", "d", 0, "Trip length in days (0 lets the server decide)")
	cmd.Flags().StringSliceVarP(&opts.interests, "interests", "i", nil, "Comma-separated interests")
	cmd.Flags().StringVar(&opts.budget, "budget", "", "Budget hint")
	cmd.Flags().StringVar(&opts.pax, "pax", "", "Party size or description")
	cmd.Flags().StringVar(&opts.location, "location", "", "Destination area")
	cmd.Flags().StringVar(&opts.clientID, "client-id", appName, "Client tag sent with the request")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 4*time.Minute, "Overall request timeout")
	_ = cmd.MarkFlagRequired("prompt")

	return cmd
}

func buildPayload(opts planOptions) pipeline.ItineraryRequest {
	req := pipeline.ItineraryRequest{
		Prompt:    opts.prompt,
		Interests: opts.interests,
		Budget:    opts.budget,
		Pax:       opts.pax,
		Location:  opts.location,
	}
	if opts.days > 0 {
		days := opts.days
		req.DurationDays = &days
	}
	return req
}

func runPlan(ctx context.Context, out io.Writer, opts planOptions) error {
	body, err := json.Marshal(buildPayload(opts))
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("create cookie jar: %w", err)
	}
	client := &http.Client{Jar: jar}

	url := strings.TrimRight(opts.server, "/") + "/api/itineraries"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.clientID != "" {
		req.Header.Set(identity.ClientHeaderName, opts.clientID)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(data)
	}
	fmt.Fprintln(out, pretty.String())

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Message != "" {
			return fmt.Errorf("server returned %d (%s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}
