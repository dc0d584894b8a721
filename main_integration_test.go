package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/woundscan/internal/auth"
	"github.com/example/woundscan/internal/capture"
	"github.com/example/woundscan/internal/handlers"
	"github.com/example/woundscan/internal/repository"
	"github.com/example/woundscan/internal/usecase"
)

const testSecret = "integration-secret"

// blockingSubmitter holds every submission until released.
type blockingSubmitter struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingSubmitter) Submit(ctx context.Context, req usecase.SubmitRequest) (*repository.CaptureRecord, error) {
	close(b.started)
	<-b.release
	subject, _ := auth.Subject(ctx)
	return &repository.CaptureRecord{
		ID:             uuid.New(),
		Domain:         req.Domain,
		PredictedLabel: "Mild Burn",
		Owner:          &repository.Owner{Email: subject},
	}, nil
}

type emptyHistory struct{}

func (emptyHistory) List(context.Context, capture.Domain) ([]repository.CaptureRecord, error) {
	return []repository.CaptureRecord{}, nil
}

func TestServerDrainsInFlightSubmissionOnShutdown(t *testing.T) {
	logger := zap.NewNop()
	gin.SetMode(gin.TestMode)

	submitter := &blockingSubmitter{started: make(chan struct{}), release: make(chan struct{})}
	released := false
	defer func() {
		if !released {
			close(submitter.release)
		}
	}()

	router := gin.New()
	handlers.RegisterRoutes(router, submitter, emptyHistory{}, auth.JWTMiddleware(testSecret, ""), 0)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	waitForServer(t, addr)

	body, _ := json.Marshal(map[string]string{
		"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png")),
	})
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/api/burn-history", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+signToken(t, "ada@example.com"))

	client := &http.Client{Timeout: 3 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Do(req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-submitter.started:
	case <-time.After(2 * time.Second):
		t.Fatal("submission did not start in time")
	}

	signalCh <- syscall.SIGTERM
	time.Sleep(50 * time.Millisecond)
	close(submitter.release)
	released = true

	select {
	case resp := <-respCh:
		defer resp.Body.Close()
		payload, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(payload))
		}
		var decoded struct {
			Success bool `json:"success"`
			Data    struct {
				Domain string `json:"domain"`
				Owner  struct {
					Email string `json:"email"`
				} `json:"ownerId"`
			} `json:"data"`
		}
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("invalid response body: %v", err)
		}
		if !decoded.Success || decoded.Data.Domain != "burn" || decoded.Data.Owner.Email != "ada@example.com" {
			t.Fatalf("unexpected response: %s", string(payload))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}

	if _, err := net.DialTimeout("tcp", addr, 100*time.Millisecond); err == nil {
		t.Fatal("listener still accepting after shutdown")
	}
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
