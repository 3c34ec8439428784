package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"parley/internal/api"
	"parley/internal/config"
)

// AddUser registers username through the admin API of a running server.
func AddUser(username string, cfg *config.Config, out io.Writer) error {
	reqBody, err := json.Marshal(api.AddUserRequest{Username: username})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	client := &http.Client{Timeout: cfg.StoreTimeout + 5*time.Second}
	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	resp, err := client.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var result api.AddUserResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to decode response (Status: %d): %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK || !result.Success {
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, result.Message)
	}

	fmt.Fprintf(out, "\nUser Created Successfully!\n")
	fmt.Fprintf(out, "Username: %s\n", result.Username)
	fmt.Fprintf(out, "User ID:  %s\n\n", result.UserID)
	return nil
}
