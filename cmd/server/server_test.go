//go:build integration

package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB creates a PostgreSQL testcontainer and runs migrations
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	migrationSQL, err := os.ReadFile("../../migrations/000001_initial_schema.up.sql")
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}

	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgres.Terminate(ctx)
	}

	return db, cleanup
}

// TestEndToEnd_TenantRuleSweep tests the complete workflow:
// 1. Create tenant (default pipeline)
// 2. Add rule
// 3. Insert a lead with signals
// 4. Trigger a sweep and verify the transition
func TestEndToEnd_TenantRuleSweep(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	server, err := NewServerWithDB(db)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(":8080", server); err != nil && err != http.ErrServerClosed {
			t.Logf("Server error: %v", err)
		}
	}()

	time.Sleep(500 * time.Millisecond)

	baseURL := "http://localhost:8080/api/v1"

	// Step 1: Create tenant with the default pipeline
	t.Log("Step 1: Creating tenant...")
	tenantResp := makeRequest(t, "POST", baseURL+"/tenants", map[string]interface{}{
		"name": "Acme Sales",
	})
	tenantID := tenantResp["id"].(string)
	t.Logf("Created tenant: %s", tenantID)

	pipelineResp := makeRequestNoBody(t, "GET", baseURL+"/tenants/"+tenantID+"/pipeline")
	if version, ok := pipelineResp["version"].(float64); !ok || version != 1 {
		t.Errorf("Expected pipeline version 1, got %v", pipelineResp["version"])
	}

	// Step 2: Add rule
	t.Log("Step 2: Adding rule...")
	ruleResp := makeRequest(t, "POST", baseURL+"/tenants/"+tenantID+"/rules", map[string]interface{}{
		"name":      "qualify-hot-leads",
		"enabled":   true,
		"priority":  1,
		"fromStage": "new",
		"toStage":   "qualified",
		"condition": map[string]interface{}{
			"all": []map[string]interface{}{
				{"field": "qualification_score", "op": ">=", "value": 80},
			},
		},
	})
	ruleID := ruleResp["id"].(string)
	t.Logf("Created rule: %s", ruleID)

	// Step 3: Insert a lead directly; lead rows and their signal columns
	// are written by the upstream ingestion, not this API.
	var leadID string
	err = db.QueryRow(`
		INSERT INTO leads (tenant_id, stage, qualification_score, sentiment, created_at)
		VALUES ($1, 'new', 92, 0.7, NOW() - INTERVAL '10 days')
		RETURNING id
	`, tenantID).Scan(&leadID)
	if err != nil {
		t.Fatalf("Failed to insert lead: %v", err)
	}

	// Step 4: Trigger a sweep
	t.Log("Step 4: Triggering sweep...")
	sweepResp := makeRequest(t, "POST", baseURL+"/tenants/"+tenantID+"/engine/process", nil)
	if evaluated, _ := sweepResp["leadsEvaluated"].(float64); evaluated != 1 {
		t.Errorf("Expected 1 lead evaluated, got %v", sweepResp["leadsEvaluated"])
	}
	if transitioned, _ := sweepResp["leadsTransitioned"].(float64); transitioned != 1 {
		t.Errorf("Expected 1 lead transitioned, got %v", sweepResp["leadsTransitioned"])
	}

	// Step 5: Verify the audit trail
	t.Log("Step 5: Checking transitions...")
	transResp := makeRequestNoBody(t, "GET", baseURL+"/tenants/"+tenantID+"/leads/"+leadID+"/transitions")
	transitions, ok := transResp["transitions"].([]interface{})
	if !ok || len(transitions) != 1 {
		t.Fatalf("Expected 1 transition, got %v", transResp)
	}
	record := transitions[0].(map[string]interface{})
	if record["fromStage"] != "new" || record["toStage"] != "qualified" || record["ruleId"] != ruleID {
		t.Errorf("Unexpected transition record: %v", record)
	}

	// Step 6: Stats reflect the sweep
	statsResp := makeRequestNoBody(t, "GET", baseURL+"/tenants/"+tenantID+"/engine/stats")
	if total, _ := statsResp["totalSweeps"].(float64); total != 1 {
		t.Errorf("Expected totalSweeps 1, got %v", statsResp["totalSweeps"])
	}

	t.Log("End-to-end test completed successfully!")
}

// TestEndToEnd_EngineLifecycle tests start/stop and interval validation
func TestEndToEnd_EngineLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	server, err := NewServerWithDB(db)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(":8081", server); err != nil && err != http.ErrServerClosed {
			t.Logf("Server error: %v", err)
		}
	}()

	time.Sleep(500 * time.Millisecond)

	baseURL := "http://localhost:8081/api/v1"

	tenantResp := makeRequest(t, "POST", baseURL+"/tenants", map[string]interface{}{
		"name": "Lifecycle Tenant",
	})
	tenantID := tenantResp["id"].(string)

	// Invalid interval is rejected
	resp, err := makeHTTPRequest("POST", baseURL+"/tenants/"+tenantID+"/engine/start", map[string]interface{}{
		"intervalMinutes": 0,
	})
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for zero interval, got %d", resp.StatusCode)
	}

	// Valid start
	statsResp := makeRequest(t, "POST", baseURL+"/tenants/"+tenantID+"/engine/start", map[string]interface{}{
		"intervalMinutes": 15,
	})
	if running, _ := statsResp["isRunning"].(bool); !running {
		t.Errorf("Expected isRunning true after start, got %v", statsResp)
	}

	// Stop
	statsResp = makeRequest(t, "POST", baseURL+"/tenants/"+tenantID+"/engine/stop", nil)
	if running, _ := statsResp["isRunning"].(bool); running {
		t.Errorf("Expected isRunning false after stop, got %v", statsResp)
	}

	// Unknown tenant is a 404
	resp, err = makeHTTPRequest("GET", baseURL+"/tenants/00000000-0000-0000-0000-000000000000/engine/stats", nil)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown tenant, got %d", resp.StatusCode)
	}
}

// TestEndToEnd_PipelineUpdate tests replacing a tenant's pipeline definition
func TestEndToEnd_PipelineUpdate(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	server, err := NewServerWithDB(db)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(":8082", server); err != nil && err != http.ErrServerClosed {
			t.Logf("Server error: %v", err)
		}
	}()

	time.Sleep(500 * time.Millisecond)

	baseURL := "http://localhost:8082/api/v1"

	tenantResp := makeRequest(t, "POST", baseURL+"/tenants", map[string]interface{}{
		"name": "Pipeline Update Tenant",
	})
	tenantID := tenantResp["id"].(string)

	t.Log("Updating pipeline definition...")
	makeRequest(t, "PUT", baseURL+"/tenants/"+tenantID+"/pipeline", map[string]interface{}{
		"definition": map[string]interface{}{
			"stages": []map[string]interface{}{
				{"name": "inbound"},
				{"name": "demo_booked"},
				{"name": "closed", "terminal": true},
			},
		},
	})

	pipelineResp := makeRequestNoBody(t, "GET", baseURL+"/tenants/"+tenantID+"/pipeline")
	if version, ok := pipelineResp["version"].(float64); !ok || version != 2 {
		t.Errorf("Expected pipeline version 2 after update, got %v", pipelineResp["version"])
	}

	// A rule against the old stage names now fails validation
	resp, err := makeHTTPRequest("POST", baseURL+"/tenants/"+tenantID+"/rules", map[string]interface{}{
		"name":      "stale-stages",
		"enabled":   true,
		"fromStage": "new",
		"toStage":   "qualified",
		"condition": map[string]interface{}{"all": []map[string]interface{}{}},
	})
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("Expected 400 for rule against unknown stages, got %d: %s", resp.StatusCode, string(body))
	}
}

// Helper function to make HTTP requests with JSON body
func makeRequest(t *testing.T, method, url string, body interface{}) map[string]interface{} {
	resp, err := makeHTTPRequest(method, url, body)
	if err != nil {
		t.Fatalf("Failed to make %s request to %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	return result
}

// Helper function to make HTTP requests without body
func makeRequestNoBody(t *testing.T, method, url string) map[string]interface{} {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make %s request to %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	return result
}

// Helper function to make raw HTTP requests
func makeHTTPRequest(method, url string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	return client.Do(req)
}
