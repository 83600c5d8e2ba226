// Tool to reproduce Stop concurrency behavior: start a recording, trigger concurrent stops,
// then download and validate the resulting video with ffprobe.
// Usage: go run main.go -url http://localhost:10600 -duration 3 -concurrency 2
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/nrednav/cuid2"
)

func main() {
	baseURL := flag.String("url", "http://localhost:10600", "Base URL of the screencapd API")
	duration := flag.Int("duration", 3, "Recording duration in seconds before stopping")
	concurrency := flag.Int("concurrency", 2, "Number of concurrent stop calls")
	iterations := flag.Int("iterations", 5, "Number of test iterations")
	flag.Parse()

	fmt.Printf("Testing concurrent stop race condition\n")
	fmt.Printf("  URL: %s\n", *baseURL)
	fmt.Printf("  Duration: %ds\n", *duration)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Printf("  Iterations: %d\n", *iterations)

	passed := 0
	failed := 0

	for i := 0; i < *iterations; i++ {
		runID := fmt.Sprintf("race-test-%s-%d", cuid2.Generate(), i)

		fmt.Printf("=== Iteration %d/%d (run=%s) ===\n", i+1, *iterations, runID)

		err := runTest(*baseURL, *duration, *concurrency)
		if err != nil {
			fmt.Printf("❌ FAILED: %v\n\n", err)
			failed++
		} else {
			fmt.Printf("✅ PASSED\n\n")
			passed++
		}
	}

	fmt.Printf("=== RESULTS: %d passed, %d failed ===\n", passed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

type recordingPayload struct {
	ID              string  `json:"id"`
	DurationSeconds float64 `json:"duration_seconds"`
	SizeBytes       int64   `json:"size_bytes"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func runTest(baseURL string, duration, concurrency int) error {
	ctx := context.Background()

	fmt.Printf("  Starting recording...\n")
	if err := startRecording(ctx, baseURL); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}

	fmt.Printf("  Recording for %d seconds...\n", duration)
	time.Sleep(time.Duration(duration) * time.Second)

	fmt.Printf("  Calling stop %d times concurrently...\n", concurrency)
	type stopOutcome struct {
		saved *recordingPayload
		err   error
	}
	outcomes := make(chan stopOutcome, concurrency)
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()
			saved, err := stopRecording(ctx, baseURL)
			if err != nil {
				outcomes <- stopOutcome{err: fmt.Errorf("goroutine %d: %w", goroutineID, err)}
			} else {
				outcomes <- stopOutcome{saved: saved}
			}
		}(i)
	}

	wg.Wait()
	close(outcomes)

	var saved *recordingPayload
	winners := 0
	for outcome := range outcomes {
		if outcome.saved != nil {
			winners++
			saved = outcome.saved
		}
	}
	// every stop but one must lose cleanly with a conflict
	if winners != 1 {
		return fmt.Errorf("expected exactly 1 winning stop, got %d", winners)
	}
	fmt.Printf("  Stop winner saved recording %s (%.2fs, %d bytes)\n",
		saved.ID, saved.DurationSeconds, saved.SizeBytes)

	fmt.Printf("  Downloading recording...\n")
	data, err := downloadRecording(ctx, baseURL, saved.ID)
	if err != nil {
		return fmt.Errorf("failed to download recording: %w", err)
	}
	fmt.Printf("  Downloaded %d bytes\n", len(data))

	tmpFile, err := os.CreateTemp("", "race-test-*.mp4")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	tmpFile.Close()

	fmt.Printf("  Validating with ffprobe...\n")
	if err := validateMP4(tmpFile.Name()); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Printf("  Cleaning up...\n")
	_ = deleteRecording(ctx, baseURL, saved.ID)

	return nil
}

func startRecording(ctx context.Context, baseURL string) error {
	resp, err := postJSON(ctx, baseURL+"/recording/start", map[string]any{})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, readBody(resp))
	}
	return nil
}

func stopRecording(ctx context.Context, baseURL string) (*recordingPayload, error) {
	resp, err := postJSON(ctx, baseURL+"/recording/stop", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, readBody(resp))
	}

	var saved recordingPayload
	if err := json.NewDecoder(resp.Body).Decode(&saved); err != nil {
		return nil, fmt.Errorf("failed to decode stop response: %w", err)
	}
	return &saved, nil
}

func downloadRecording(ctx context.Context, baseURL, id string) ([]byte, error) {
	var data []byte
	err := retry.New(
		retry.Attempts(10),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/recordings/"+id+"/download", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, readBody(resp))
		}

		data, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed after retries: %w", err)
	}
	return data, nil
}

func deleteRecording(ctx context.Context, baseURL, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/recordings/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, readBody(resp))
	}
	return nil
}

func postJSON(ctx context.Context, url string, body any) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

func readBody(resp *http.Response) string {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	var payload errorPayload
	if jerr := json.Unmarshal(data, &payload); jerr == nil && payload.Message != "" {
		return payload.Message
	}
	return string(data)
}

func validateMP4(filePath string) error {
	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-show_format",
		"-show_streams",
		"-output_format", "json",
		filePath)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffprobe failed: %w\nOutput: %s", err, string(output))
	}

	var result struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(output, &result); err != nil {
		return fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	if result.Format.Duration == "" {
		return fmt.Errorf("no duration found in video - file may be corrupt")
	}

	fmt.Printf("  Video duration: %s seconds\n", result.Format.Duration)
	return nil
}
