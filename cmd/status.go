package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listJobs(cmd.OutOrStdout(), fmt.Sprintf("%s/api/v1/jobs", serverURL))
	}
	jobID := args[0]
	return getJobStatus(cmd.OutOrStdout(), fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID), jobID)
}

// jobSummary is the subset of the job JSON printed by status.
type jobSummary struct {
	ID           string  `json:"id"`
	State        string  `json:"state"`
	Score        float64 `json:"score"`
	InitialScore float64 `json:"initialScore"`
	Iterations   int     `json:"iterations"`
	Status       string  `json:"status"`
	Elapsed      float64 `json:"elapsed"`
	Rate         float64 `json:"iterationsPerSecond"`
	ResumedFrom  string  `json:"resumedFrom"`
	HasSnapshot  bool    `json:"hasSnapshot"`
	Error        string  `json:"error"`
	Config       struct {
		Dataset    string `json:"dataset"`
		Hidden     []int  `json:"hidden"`
		Activation string `json:"activation"`
		Algorithm  string `json:"algorithm"`
		Iters      int    `json:"iters"`
		Workers    int    `json:"workers"`
		Rounds     int    `json:"rounds"`
	} `json:"config"`
}

func fetchJSON(url string, v any) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &httpStatusError{Code: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

func listJobs(w io.Writer, url string) error {
	var jobs []jobSummary
	if err := fetchJSON(url, &jobs); err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return nil
	}

	fmt.Fprintf(w, "Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(w, "Job ID: %s\n", job.ID)
		fmt.Fprintf(w, "  State: %s\n", job.State)
		fmt.Fprintf(w, "  Network: %s %v %s\n", job.Config.Dataset, job.Config.Hidden, job.Config.Activation)
		fmt.Fprintf(w, "  Algorithm: %s\n", job.Config.Algorithm)
		if job.Iterations > 0 {
			fmt.Fprintf(w, "  Score: %.6f -> %.6f (%d iterations)\n", job.InitialScore, job.Score, job.Iterations)
		}
		fmt.Fprintln(w)
	}

	return nil
}

func getJobStatus(w io.Writer, url, jobID string) error {
	var status jobSummary
	if err := fetchJSON(url, &status); err != nil {
		if se, ok := err.(*httpStatusError); ok && se.Code == http.StatusNotFound {
			return fmt.Errorf("job not found: %s", jobID)
		}
		return err
	}

	fmt.Fprintf(w, "Job: %s\n", status.ID)
	fmt.Fprintf(w, "State: %s\n", status.State)
	if status.ResumedFrom != "" {
		fmt.Fprintf(w, "Resumed from: %s\n", status.ResumedFrom)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Dataset: %s\n", status.Config.Dataset)
	fmt.Fprintf(w, "  Hidden: %v (%s)\n", status.Config.Hidden, status.Config.Activation)
	fmt.Fprintf(w, "  Algorithm: %s\n", status.Config.Algorithm)
	fmt.Fprintf(w, "  Iterations: %d\n", status.Config.Iters)
	if status.Config.Workers > 1 {
		fmt.Fprintf(w, "  Reduce: %d workers, %d rounds\n", status.Config.Workers, status.Config.Rounds)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Progress:")
	fmt.Fprintf(w, "  Iterations: %d\n", status.Iterations)
	if status.InitialScore > 0 {
		fmt.Fprintf(w, "  Initial Score: %.6f\n", status.InitialScore)
		fmt.Fprintf(w, "  Score: %.6f\n", status.Score)
		improvement := status.InitialScore - status.Score
		fmt.Fprintf(w, "  Improvement: %.6f (%.1f%%)\n", improvement, improvement/status.InitialScore*100)
	}
	if status.Status != "" {
		fmt.Fprintf(w, "  Stopped: %s\n", status.Status)
	}

	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Fprintf(w, "  Elapsed: %s\n", elapsed.Round(time.Millisecond))
	if status.Rate > 0 {
		fmt.Fprintf(w, "  Throughput: %.1f iterations/sec\n", status.Rate)
	}
	if status.HasSnapshot {
		fmt.Fprintf(w, "  Snapshot: %s/api/v1/jobs/%s/snapshot\n", serverURL, status.ID)
	}

	if status.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", status.Error)
	}

	return nil
}
